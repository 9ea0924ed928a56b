package market

import "github.com/shopspring/decimal"

// DeltaBar 是单个周期桶内的主动买卖量统计。
type DeltaBar struct {
	OpenTime   int64   `json:"open_time"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	Delta      float64 `json:"delta"`
	Trades     int64   `json:"trades"`
	LastPrice  float64 `json:"last_price"`
}

// Trend 是 CVD 趋势分类。
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

type CVDMetrics struct {
	Value      decimal.Decimal `json:"value"`
	Momentum   decimal.Decimal `json:"momentum"`
	Normalized decimal.Decimal `json:"normalized"`
	Divergence string          `json:"divergence"`
	PeakFlip   string          `json:"peak_flip"`
}

// ComputeCVD calculates a CVD snapshot over a window of delta bars.
// Output meanings:
//   - Value: cumulative sum of (buy - sell) across the window.
//   - Momentum: Value minus the value 6 bars ago (0 when insufficient bars).
//   - Normalized: (Value - min) / (max - min) across the CVD series, 0.5 when flat.
//   - Divergence: "down" if price rises while CVD falls vs 6 bars ago;
//     "up" if price falls while CVD rises; otherwise "neutral".
//   - PeakFlip: "local_top" / "local_bottom" on the last three CVD points, else "none".
func ComputeCVD(bars []DeltaBar) (CVDMetrics, bool) {
	if len(bars) == 0 {
		return CVDMetrics{}, false
	}
	cvd := make([]decimal.Decimal, 0, len(bars))
	closes := make([]decimal.Decimal, 0, len(bars))
	cumulative := decimal.Zero
	for _, b := range bars {
		buy := decimal.NewFromFloat(b.BuyVolume)
		sell := decimal.NewFromFloat(b.SellVolume)
		cumulative = cumulative.Add(buy.Sub(sell))
		cvd = append(cvd, cumulative)
		closes = append(closes, decimal.NewFromFloat(b.LastPrice))
	}

	last := cvd[len(cvd)-1]
	momentum := decimal.Zero
	if len(cvd) > 6 {
		momentum = last.Sub(cvd[len(cvd)-6])
	}

	minVal := cvd[0]
	maxVal := cvd[0]
	for _, v := range cvd[1:] {
		if v.LessThan(minVal) {
			minVal = v
		}
		if v.GreaterThan(maxVal) {
			maxVal = v
		}
	}

	norm := decimal.NewFromFloat(0.5)
	if maxVal.GreaterThan(minVal) {
		norm = last.Sub(minVal).Div(maxVal.Sub(minVal))
	}

	priceNow := closes[len(closes)-1]
	pricePrev := closes[0]
	cvdPrev := cvd[0]
	if len(closes) > 6 {
		pricePrev = closes[len(closes)-6]
		cvdPrev = cvd[len(cvd)-6]
	}

	divergence := "neutral"
	if priceNow.GreaterThan(pricePrev) && last.LessThan(cvdPrev) {
		divergence = "down"
	} else if priceNow.LessThan(pricePrev) && last.GreaterThan(cvdPrev) {
		divergence = "up"
	}

	peakFlip := "none"
	if len(cvd) > 3 {
		a := cvd[len(cvd)-1]
		b := cvd[len(cvd)-2]
		c := cvd[len(cvd)-3]
		if a.LessThan(b) && b.GreaterThan(c) {
			peakFlip = "local_top"
		} else if a.GreaterThan(b) && b.LessThan(c) {
			peakFlip = "local_bottom"
		}
	}

	return CVDMetrics{
		Value:      last,
		Momentum:   momentum,
		Normalized: norm,
		Divergence: divergence,
		PeakFlip:   peakFlip,
	}, true
}
