// Package aggregate 把原始行情转成 K 线事件：BarBuilder 负责按时间桶聚合 tick，
// CloseDetector 负责判定交易所 K 线流帧是否已收盘。
package aggregate

import (
	"math"
	"sync"

	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

// EventKind 区分 BarBuilder 产出的事件。
type EventKind int

const (
	BarOpen EventKind = iota
	BarUpdate
	BarClose
)

func (k EventKind) String() string {
	switch k {
	case BarOpen:
		return "open"
	case BarUpdate:
		return "update"
	default:
		return "close"
	}
}

// BarEvent 携带一根 K 线的快照。
type BarEvent struct {
	Kind      EventKind
	Symbol    string
	Timeframe market.Timeframe
	Bar       market.Candle
}

type forming struct {
	bucket int64
	bar    market.Candle
}

// BarBuilder 为每个 (symbol, timeframe) 维护一根形成中的 K 线。
// 收盘完全由下一个桶的 tick 驱动：没有新 tick 就不会收盘。
type BarBuilder struct {
	timeframes []market.Timeframe
	reg        *telemetry.Registry

	mu     sync.Mutex
	state  map[market.SeriesKey]*forming
	resume func(symbol string, tf market.Timeframe) (market.Candle, bool)
}

func NewBarBuilder(timeframes []market.Timeframe, reg *telemetry.Registry) *BarBuilder {
	tfs := make([]market.Timeframe, 0, len(timeframes))
	for _, tf := range timeframes {
		if tf.Valid() {
			tfs = append(tfs, tf)
		}
	}
	return &BarBuilder{
		timeframes: tfs,
		reg:        reg,
		state:      make(map[market.SeriesKey]*forming),
	}
}

// SetResume 设置无状态时的接续来源（通常是 BarStore.Last）：若其最后一根未收盘且与首个 tick 同桶，
// 以它为形成中的 K 线继续累计，保留回填得到的开高低量。
func (b *BarBuilder) SetResume(fn func(symbol string, tf market.Timeframe) (market.Candle, bool)) {
	b.mu.Lock()
	b.resume = fn
	b.mu.Unlock()
}

// Timeframes 返回 builder 负责的周期。
func (b *BarBuilder) Timeframes() []market.Timeframe {
	return append([]market.Timeframe(nil), b.timeframes...)
}

// OnTick 推进所有周期的状态机。quantity<=0 时成交量按 1 计。
func (b *BarBuilder) OnTick(symbol string, price, quantity float64, ts int64) []BarEvent {
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" || ts <= 0 || !finitePositive(price) {
		b.reg.Inc(telemetry.CounterMalformed)
		return nil
	}
	inc := quantity
	if !finitePositive(inc) {
		inc = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	events := make([]BarEvent, 0, len(b.timeframes)*2)
	for _, tf := range b.timeframes {
		events = b.advance(events, symbol, tf, price, inc, ts)
	}
	return events
}

func (b *BarBuilder) advance(events []BarEvent, symbol string, tf market.Timeframe, price, inc float64, ts int64) []BarEvent {
	k := market.SeriesKey{Symbol: symbol, Timeframe: tf}
	bucket := tf.Align(ts)
	st := b.state[k]
	switch {
	case st == nil:
		st = &forming{}
		b.state[k] = st
		if b.resume != nil {
			if prev, ok := b.resume(symbol, tf); ok && !prev.Closed && prev.OpenTime == bucket {
				st.bucket = bucket
				st.bar = prev
				return extend(events, symbol, tf, st, price, inc)
			}
		}
	case bucket < st.bucket:
		b.reg.Inc(telemetry.CounterOrderingAnomalies)
		return events
	case bucket == st.bucket:
		return extend(events, symbol, tf, st, price, inc)
	default:
		closed := st.bar
		closed.Closed = true
		events = append(events, BarEvent{Kind: BarClose, Symbol: symbol, Timeframe: tf, Bar: closed})
	}
	st.bucket = bucket
	st.bar = market.Candle{
		OpenTime:  bucket,
		CloseTime: bucket + tf.Millis() - 1,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    inc,
		Trades:    1,
	}
	return append(events, BarEvent{Kind: BarOpen, Symbol: symbol, Timeframe: tf, Bar: st.bar})
}

func extend(events []BarEvent, symbol string, tf market.Timeframe, st *forming, price, inc float64) []BarEvent {
	bar := &st.bar
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume += inc
	bar.Trades++
	return append(events, BarEvent{Kind: BarUpdate, Symbol: symbol, Timeframe: tf, Bar: *bar})
}

// Forming 返回当前形成中的 K 线。
func (b *BarBuilder) Forming(symbol string, tf market.Timeframe) (market.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[market.SeriesKey{Symbol: market.NormalizeSymbol(symbol), Timeframe: tf}]
	if st == nil {
		return market.Candle{}, false
	}
	return st.bar, true
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
