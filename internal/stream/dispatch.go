package stream

import (
	"sync/atomic"
	"time"

	"klinehub/internal/aggregate"
	"klinehub/internal/freshness"
	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/orderflow"
	"klinehub/internal/store"
	"klinehub/internal/telemetry"
)

// Dispatcher 把帧路由到各组件：ticker→BarBuilder→BarStore，kline→BarStore（形成中/收盘），
// trade→DeltaStore。
type Dispatcher struct {
	Store    store.Writer
	Builder  *aggregate.BarBuilder
	Detector *aggregate.CloseDetector
	Deltas   *orderflow.DeltaStore
	Prices   *freshness.PriceTable
	Registry *telemetry.Registry
	// TradeTimeframes 是成交要计入的 delta 周期。
	TradeTimeframes []market.Timeframe
	// OnClose 在一根 K 线被确认收盘并写入后调用。
	OnClose func(market.CandleEvent)
	Now     func() time.Time

	tradeUp atomic.Int32
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) Handle(f market.Frame) {
	switch f.Kind {
	case market.FrameTicker:
		d.onTicker(f.Ticker)
	case market.FrameKline:
		d.onKline(f.Kline)
	case market.FrameTrade:
		d.onTrade(f.Trade)
	case market.FrameAck:
		logger.Debugf("[stream] SUBSCRIBE id=%d 已确认", f.RequestID)
	case market.FrameRejection:
		d.Registry.SetRejection(f.Rejection)
		logger.Warnf("[stream] 服务端拒绝请求 id=%d: %s", f.RequestID, f.Rejection)
	default:
		d.Registry.Inc(telemetry.CounterDroppedEvents)
	}
}

// FeedState 统计在线的 trade 批次；任一批次在线即视为订单流在线。
func (d *Dispatcher) FeedState(kind market.FeedKind, up bool) {
	if kind != market.FeedTrade || d.Deltas == nil {
		return
	}
	delta := int32(-1)
	if up {
		delta = 1
	}
	d.Deltas.SetConnectionState(d.tradeUp.Add(delta) > 0)
}

func (d *Dispatcher) onTicker(ev market.TickerEvent) {
	if d.Prices != nil {
		d.Prices.Observe(ev)
	}
	if d.Builder == nil || d.Store == nil {
		return
	}
	ts := ev.EventTime
	if ts <= 0 {
		ts = d.now().UnixMilli()
	}
	for _, e := range d.Builder.OnTick(ev.Symbol, ev.Price, ev.Quantity, ts) {
		closing := e.Kind == aggregate.BarClose
		outcome := d.Store.Upsert(e.Symbol, e.Timeframe, e.Bar, closing)
		if closing && outcome.Applied() {
			d.emitClose(e.Symbol, e.Timeframe, e.Bar)
		}
	}
}

// onKline：未收盘的帧做形成中更新；CloseDetector 首次判定收盘时以收盘写入；
// 已记账后再收到服务端收盘标记，视为一次收盘确认交给存储裁决。
func (d *Dispatcher) onKline(kf market.KlineFrame) {
	if d.Store == nil {
		return
	}
	bar := kf.Candle()
	switch {
	case d.Detector != nil && d.Detector.Detect(kf, d.now()):
		bar.Closed = true
		if d.Store.Upsert(kf.Symbol, kf.Timeframe, bar, true).Applied() {
			d.emitClose(kf.Symbol, kf.Timeframe, bar)
		}
	case kf.ServerClosed:
		bar.Closed = true
		d.Store.Upsert(kf.Symbol, kf.Timeframe, bar, true)
	default:
		d.Store.Upsert(kf.Symbol, kf.Timeframe, bar, false)
	}
}

func (d *Dispatcher) onTrade(tr market.TradeEvent) {
	if d.Deltas == nil {
		return
	}
	tfs := d.TradeTimeframes
	if len(tfs) == 0 {
		tfs = []market.Timeframe{d.Deltas.CVDTimeframe()}
	}
	for _, tf := range tfs {
		d.Deltas.RecordTrade(tr.Symbol, tr.Price, tr.Quantity, tr.IsSellerInitiated, tr.TradeTime, tf)
	}
}

func (d *Dispatcher) emitClose(symbol string, tf market.Timeframe, bar market.Candle) {
	if d.OnClose == nil {
		return
	}
	d.OnClose(market.CandleEvent{Symbol: market.NormalizeSymbol(symbol), Timeframe: tf, Candle: bar})
}
