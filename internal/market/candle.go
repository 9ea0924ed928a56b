package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Candle 是一根 OHLCV K 线；OpenTime 为对齐后的毫秒时间戳，是序列内唯一键。
type Candle struct {
	OpenTime        int64   `json:"open_time"`
	CloseTime       int64   `json:"close_time"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          float64 `json:"volume"`
	Trades          int64   `json:"trades"`
	TakerBuyVolume  float64 `json:"taker_buy_volume,omitempty"`
	TakerSellVolume float64 `json:"taker_sell_volume,omitempty"`
	Closed          bool    `json:"closed"`
}

// Valid 检查数值字段是否有限且价格区间自洽。
func (c Candle) Valid() bool {
	if c.OpenTime <= 0 {
		return false
	}
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return c.High >= c.Low
}

// Timeframe 是固定枚举的 K 线周期。
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Timeframes 按周期从短到长返回全部枚举值。
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d}
}

// ParseTimeframe 解析周期字符串（大小写与空白不敏感）。
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) Duration() time.Duration { return timeframeDurations[tf] }

func (tf Timeframe) Millis() int64 { return tf.Duration().Milliseconds() }

// Align 将时间戳向下取整到所在周期的起点。
func (tf Timeframe) Align(ts int64) int64 {
	step := tf.Millis()
	if step <= 0 {
		return ts
	}
	if ts < 0 {
		return -((-ts + step - 1) / step) * step
	}
	return ts / step * step
}

// AlignRange 把 [start,end] 收敛到完整周期边界。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.Millis()
	alStart := tf.Align(start)
	if alStart < start {
		alStart += step
	}
	return alStart, tf.Align(end)
}

// ExpectedCandles 返回对齐区间内应有的 K 线根数（含两端）。
func (tf Timeframe) ExpectedCandles(alStart, alEnd int64) int64 {
	step := tf.Millis()
	if step <= 0 || alEnd < alStart {
		return 0
	}
	return (alEnd-alStart)/step + 1
}

func (tf Timeframe) String() string { return string(tf) }

// SeriesKey 标识一条 symbol+timeframe 序列。
type SeriesKey struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

func (k SeriesKey) String() string { return k.Symbol + "@" + string(k.Timeframe) }

// NormalizeSymbol 统一大写并去除空白。
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
