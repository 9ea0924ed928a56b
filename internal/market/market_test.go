package market

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeAlign(t *testing.T) {
	assert.Equal(t, int64(1699999980000), TF1m.Align(1700000039999))
	assert.Equal(t, int64(1700000040000), TF1m.Align(1700000040000))
	assert.Equal(t, int64(1699999200000), TF1h.Align(1700000000000))
	assert.Equal(t, int64(-60_000), TF1m.Align(-1))
	assert.Equal(t, int64(5), Timeframe("9m").Align(5))

	start, end := TF5m.AlignRange(1, 900_001)
	assert.Equal(t, int64(300_000), start)
	assert.Equal(t, int64(900_000), end)
	assert.Equal(t, int64(3), TF5m.ExpectedCandles(start, end))
	assert.Zero(t, TF5m.ExpectedCandles(end, start))
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 4H ")
	require.NoError(t, err)
	assert.Equal(t, TF4h, tf)
	assert.Equal(t, int64(4*3600*1000), tf.Millis())

	_, err = ParseTimeframe("2m")
	assert.Error(t, err)
	assert.False(t, Timeframe("2m").Valid())
	assert.Len(t, Timeframes(), 7)
}

func TestCandleValid(t *testing.T) {
	ok := Candle{OpenTime: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3}
	assert.True(t, ok.Valid())

	cases := map[string]func(c *Candle){
		"zero open time": func(c *Candle) { c.OpenTime = 0 },
		"nan close":      func(c *Candle) { c.Close = math.NaN() },
		"inf high":       func(c *Candle) { c.High = math.Inf(1) },
		"negative vol":   func(c *Candle) { c.Volume = -1 },
		"inverted range": func(c *Candle) { c.High, c.Low = 1, 2 },
	}
	for name, mutate := range cases {
		c := ok
		mutate(&c)
		assert.False(t, c.Valid(), name)
	}
}

func TestSeriesKeyAndSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol(" btcusdt\t"))
	assert.Equal(t, "BTCUSDT@1m", SeriesKey{Symbol: "BTCUSDT", Timeframe: TF1m}.String())
}

func TestErrorTaxonomy(t *testing.T) {
	rate := &FetchError{Kind: ErrRateLimited, Status: 429, Err: errors.New("slow down")}
	wrapped := fmt.Errorf("chunk 2: %w", rate)
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.True(t, IsRetryable(wrapped))
	assert.Contains(t, rate.Error(), "status 429")

	bad := &FetchError{Kind: ErrRejected, Status: 400, Err: errors.New("bad symbol")}
	assert.False(t, IsRetryable(bad))
	assert.True(t, errors.Is(bad, ErrRejected))

	assert.True(t, IsRetryable(fmt.Errorf("dial: %w", ErrTransient)))
	assert.False(t, IsRetryable(ErrMalformed))

	cause := errors.New("eof")
	ce := &CloseError{Code: 1006, Reason: "abnormal", Err: cause}
	assert.ErrorIs(t, ce, cause)
	assert.Contains(t, ce.Error(), "1006")
}

func TestKlineFrameCandle(t *testing.T) {
	f := KlineFrame{Symbol: "BTCUSDT", Timeframe: TF1m, OpenTime: 60_000, CloseTime: 119_999, Open: 1, High: 2, Low: 1, Close: 2, Volume: 4, Trades: 7, ServerClosed: true}
	c := f.Candle()
	assert.Equal(t, int64(60_000), c.OpenTime)
	assert.Equal(t, int64(7), c.Trades)
	assert.False(t, c.Closed)
	assert.Equal(t, "kline", FrameKline.String())
	assert.Equal(t, "frame(99)", FrameKind(99).String())
}

func TestComputeCVD(t *testing.T) {
	_, ok := ComputeCVD(nil)
	assert.False(t, ok)

	// 价格上行而 CVD 回落：看跌背离。
	bars := make([]DeltaBar, 0, 8)
	for i := 0; i < 8; i++ {
		buy, sell := 5.0, 1.0
		if i >= 4 {
			buy, sell = 1.0, 6.0
		}
		bars = append(bars, DeltaBar{OpenTime: int64(i+1) * 60_000, BuyVolume: buy, SellVolume: sell, LastPrice: 100 + float64(i)})
	}
	m, ok := ComputeCVD(bars)
	require.True(t, ok)
	assert.Equal(t, "down", m.Divergence)
	assert.Equal(t, -4.0, m.Value.InexactFloat64())
	assert.Equal(t, "none", m.PeakFlip)
}
