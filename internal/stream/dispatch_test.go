package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinehub/internal/aggregate"
	"klinehub/internal/freshness"
	"klinehub/internal/market"
	"klinehub/internal/orderflow"
	"klinehub/internal/store"
	"klinehub/internal/telemetry"
)

const base = int64(1699999980000)

func TestTickerFramesBuildBars(t *testing.T) {
	reg := telemetry.NewRegistry()
	bars := store.NewMemoryKlineStore(store.Options{Registry: reg})
	prices := freshness.NewPriceTable(time.Minute, func() time.Time { return time.UnixMilli(base + 61_000) })
	var closes []market.CandleEvent
	d := &Dispatcher{
		Store:    bars,
		Builder:  aggregate.NewBarBuilder([]market.Timeframe{market.TF1m}, reg),
		Prices:   prices,
		Registry: reg,
		OnClose:  func(ev market.CandleEvent) { closes = append(closes, ev) },
	}
	ticks := []struct {
		at    int64
		price float64
	}{{1000, 100}, {1030, 105}, {1059, 95}, {61000, 101}}
	for _, tk := range ticks {
		d.Handle(market.Frame{Kind: market.FrameTicker, Ticker: market.TickerEvent{Symbol: "BTCUSDT", Price: tk.price, EventTime: base + tk.at}})
	}

	got := bars.Read("BTCUSDT", market.TF1m, 10)
	require.Len(t, got, 2)
	first := got[0]
	assert.Equal(t, base, first.OpenTime)
	assert.Equal(t, []float64{100, 105, 95, 95}, []float64{first.Open, first.High, first.Low, first.Close})
	assert.Equal(t, 3.0, first.Volume)
	assert.True(t, first.Closed)
	assert.Equal(t, base+60_000, got[1].OpenTime)
	assert.False(t, got[1].Closed)

	require.Len(t, closes, 1)
	assert.Equal(t, base, closes[0].Candle.OpenTime)
	p, ok := prices.Fresh("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 101.0, p)
}

func TestTickerResumesSeededFormingBar(t *testing.T) {
	reg := telemetry.NewRegistry()
	bars := store.NewMemoryKlineStore(store.Options{Registry: reg})
	seeded := market.Candle{OpenTime: base, CloseTime: base + 59_999, Open: 90, High: 110, Low: 85, Close: 99, Volume: 50}
	require.False(t, bars.Seed("BTCUSDT", market.TF1m, []market.Candle{seeded}, false).Rejected)

	builder := aggregate.NewBarBuilder([]market.Timeframe{market.TF1m}, reg)
	builder.SetResume(bars.Last)
	d := &Dispatcher{Store: bars, Builder: builder, Registry: reg}
	d.Handle(market.Frame{Kind: market.FrameTicker, Ticker: market.TickerEvent{Symbol: "BTCUSDT", Price: 100, Quantity: 2, EventTime: base + 30_000}})

	last, ok := bars.Last("BTCUSDT", market.TF1m)
	require.True(t, ok)
	assert.Equal(t, []float64{90, 110, 85, 100}, []float64{last.Open, last.High, last.Low, last.Close})
	assert.Equal(t, 52.0, last.Volume)
	assert.False(t, last.Closed)
	assert.Equal(t, 1, bars.Count("BTCUSDT", market.TF1m))
}

func TestKlineGraceCloseThenServerConfirmation(t *testing.T) {
	reg := telemetry.NewRegistry()
	bars := store.NewMemoryKlineStore(store.Options{Registry: reg})
	now := time.UnixMilli(base + 60_000 + 150)
	closes := 0
	d := &Dispatcher{
		Store:    bars,
		Detector: aggregate.NewCloseDetector(100*time.Millisecond, nil, reg),
		Registry: reg,
		OnClose:  func(market.CandleEvent) { closes++ },
		Now:      func() time.Time { return now },
	}
	frame := market.KlineFrame{
		Symbol: "BTCUSDT", Timeframe: market.TF1m,
		OpenTime: base, CloseTime: base + 59_999,
		Open: 100, High: 102, Low: 99, Close: 101, Volume: 5,
	}
	d.Handle(market.Frame{Kind: market.FrameKline, Kline: frame})
	last, ok := bars.Last("BTCUSDT", market.TF1m)
	require.True(t, ok)
	assert.True(t, last.Closed)
	assert.Equal(t, 1, closes)

	confirm := frame
	confirm.ServerClosed = true
	confirm.Close, confirm.Volume = 101.5, 6
	d.Handle(market.Frame{Kind: market.FrameKline, Kline: confirm})
	last, _ = bars.Last("BTCUSDT", market.TF1m)
	assert.Equal(t, 101.5, last.Close)
	assert.Equal(t, 1, closes)

	narrowed := confirm
	narrowed.High = 101.6
	d.Handle(market.Frame{Kind: market.FrameKline, Kline: narrowed})
	last, _ = bars.Last("BTCUSDT", market.TF1m)
	assert.Equal(t, 102.0, last.High)
	assert.Equal(t, int64(1), reg.Count(telemetry.CounterSealedRejects))
}

func TestTradesFanOutToTimeframes(t *testing.T) {
	deltas := orderflow.NewDeltaStore(orderflow.Options{CVDTimeframe: market.TF1m})
	d := &Dispatcher{Deltas: deltas, TradeTimeframes: []market.Timeframe{market.TF1m, market.TF5m}}
	d.Handle(market.Frame{Kind: market.FrameTrade, Trade: market.TradeEvent{Symbol: "BTCUSDT", Price: 100, Quantity: 2, TradeTime: base + 10}})
	d.Handle(market.Frame{Kind: market.FrameTrade, Trade: market.TradeEvent{Symbol: "BTCUSDT", Price: 100, Quantity: 1, IsSellerInitiated: true, TradeTime: base + 20}})

	d1, _ := deltas.RecentDelta("BTCUSDT", market.TF1m, 1)
	d5, _ := deltas.RecentDelta("BTCUSDT", market.TF5m, 1)
	assert.InDelta(t, 1.0, d1, 1e-9)
	assert.InDelta(t, 1.0, d5, 1e-9)
	assert.InDelta(t, 1.0, deltas.CumulativeDelta("BTCUSDT"), 1e-9)

	d.FeedState(market.FeedTrade, true)
	assert.True(t, deltas.Connected())
	d.FeedState(market.FeedKline, false)
	assert.True(t, deltas.Connected())
}

func TestTradeFeedStateCountsBatches(t *testing.T) {
	deltas := orderflow.NewDeltaStore(orderflow.Options{})
	d := &Dispatcher{Deltas: deltas}

	d.FeedState(market.FeedTrade, true)
	d.FeedState(market.FeedTrade, true)
	d.FeedState(market.FeedTrade, false)
	assert.True(t, deltas.Connected(), "one trade batch still up")

	d.FeedState(market.FeedTrade, false)
	assert.False(t, deltas.Connected())

	d.FeedState(market.FeedTrade, true)
	assert.True(t, deltas.Connected())
}

func TestRejectionRecorded(t *testing.T) {
	reg := telemetry.NewRegistry()
	d := &Dispatcher{Registry: reg}
	d.Handle(market.Frame{Kind: market.FrameRejection, RequestID: 3, Rejection: `{"code":2,"msg":"bad"}`})
	assert.Equal(t, `{"code":2,"msg":"bad"}`, reg.Snapshot().LastRejection)
}
