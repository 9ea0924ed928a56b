// Package export 把 K 线序列渲染为 CSV 或写出 parquet 快照。
package export

import (
	"math"
	"strconv"
	"strings"
	"time"

	"klinehub/internal/market"
)

// CSVOptions 控制 CSV 数据行的时间格式与精度。
type CSVOptions struct {
	DateOnly       bool
	Location       *time.Location
	PricePrecision int
	// Millis 为 true 时时间列输出 OpenTime 毫秒值。
	Millis bool
}

const (
	// PrecisionAuto 根据 K 线价格区间自动决定精度。
	PrecisionAuto = math.MinInt32
	// PrecisionRaw 保留原始精度。
	PrecisionRaw = -1
)

// BuildCandleCSV 生成 CSV 数据，首行包含列头；空序列返回空串。
func BuildCandleCSV(candles []market.Candle, opts CSVOptions) string {
	if len(candles) == 0 {
		return ""
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	precision := opts.PricePrecision
	if precision == PrecisionAuto {
		precision = autoPrecision(candles)
	}
	header := "Time"
	switch {
	case opts.Millis:
		header = "OpenTime"
	case opts.DateOnly:
		header = "Date"
	}
	var b strings.Builder
	b.WriteString(header + ",O,H,L,C,V,Trades,Closed\n")
	for _, c := range candles {
		switch {
		case opts.Millis:
			b.WriteString(strconv.FormatInt(c.OpenTime, 10))
		case opts.DateOnly:
			b.WriteString(time.UnixMilli(c.OpenTime).In(loc).Format("06-01-02"))
		default:
			b.WriteString(time.UnixMilli(c.OpenTime).In(loc).Format("01-02 15:04"))
		}
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
			b.WriteByte(',')
			b.WriteString(formatPrice(v, precision))
		}
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(c.Volume, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(c.Trades, 10))
		b.WriteByte(',')
		b.WriteString(strconv.FormatBool(c.Closed))
		b.WriteByte('\n')
	}
	return b.String()
}

func autoPrecision(candles []market.Candle) int {
	maxVal := 0.0
	for _, c := range candles {
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
			maxVal = math.Max(maxVal, math.Abs(v))
		}
	}
	switch {
	case maxVal >= 1000:
		return 1
	case maxVal >= 100:
		return 2
	default:
		return PrecisionRaw
	}
}

func formatPrice(value float64, precision int) string {
	if precision == PrecisionRaw {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	s := strconv.FormatFloat(value, 'f', precision, 64)
	if precision > 0 {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
