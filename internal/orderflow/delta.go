// Package orderflow 聚合主动买卖成交量，维护每个周期桶的 delta 与每个 symbol 的累计 CVD。
package orderflow

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

const (
	defaultSamples   = 10
	defaultThreshold = 0.1
	defaultRetention = 500
)

// Options 配置 DeltaStore。
type Options struct {
	// CVDTimeframe 决定累计 delta 的采样周期；只有该周期的成交会推进累计值，避免重复计数。
	CVDTimeframe market.Timeframe
	Samples      int
	Threshold    float64
	Retention    int
	Registry     *telemetry.Registry
}

type bucketSeries struct {
	bars []market.DeltaBar
}

type symbolState struct {
	cumulative    decimal.Decimal
	currentBucket int64
	samples       []float64
}

// DeltaStore 独占所有 DeltaBar；并发安全。
type DeltaStore struct {
	cvdTF     market.Timeframe
	k         int
	threshold float64
	retention int
	reg       *telemetry.Registry

	mu      sync.RWMutex
	buckets map[market.SeriesKey]*bucketSeries
	symbols map[string]*symbolState

	connected atomic.Bool
}

func NewDeltaStore(opts Options) *DeltaStore {
	if !opts.CVDTimeframe.Valid() {
		opts.CVDTimeframe = market.TF1m
	}
	if opts.Samples <= 1 {
		opts.Samples = defaultSamples
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &DeltaStore{
		cvdTF:     opts.CVDTimeframe,
		k:         opts.Samples,
		threshold: opts.Threshold,
		retention: opts.Retention,
		reg:       opts.Registry,
		buckets:   make(map[market.SeriesKey]*bucketSeries),
		symbols:   make(map[string]*symbolState),
	}
}

// CVDTimeframe 返回推进累计值的周期。
func (d *DeltaStore) CVDTimeframe() market.Timeframe { return d.cvdTF }

// RecordTrade 将一笔成交计入其所在周期桶。isSellerInitiated 为主动卖出（买方是 maker）。
func (d *DeltaStore) RecordTrade(symbol string, price, quantity float64, isSellerInitiated bool, tradeTime int64, tf market.Timeframe) {
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" || !tf.Valid() || tradeTime <= 0 || !finitePositive(price) || !finitePositive(quantity) {
		d.reg.Inc(telemetry.CounterMalformed)
		return
	}
	bucket := tf.Align(tradeTime)
	k := market.SeriesKey{Symbol: symbol, Timeframe: tf}

	d.mu.Lock()
	defer d.mu.Unlock()
	bs := d.buckets[k]
	if bs == nil {
		bs = &bucketSeries{}
		d.buckets[k] = bs
	}
	bar, ok := bs.locate(bucket, d.retention)
	if !ok {
		d.reg.Inc(telemetry.CounterTradesDropped)
		return
	}
	if isSellerInitiated {
		bar.SellVolume += quantity
	} else {
		bar.BuyVolume += quantity
	}
	bar.Delta = bar.BuyVolume - bar.SellVolume
	bar.Trades++
	bar.LastPrice = price
	d.reg.Inc(telemetry.CounterTradesRecorded)

	if tf != d.cvdTF {
		return
	}
	st := d.symbols[symbol]
	if st == nil {
		st = &symbolState{currentBucket: bucket}
		d.symbols[symbol] = st
	}
	if bucket > st.currentBucket {
		// 上一个桶结束时的累计值成为一个采样点。
		st.samples = append(st.samples, st.cumulative.InexactFloat64())
		if len(st.samples) > d.k {
			st.samples = st.samples[len(st.samples)-d.k:]
		}
		st.currentBucket = bucket
	}
	signed := decimal.NewFromFloat(quantity)
	if isSellerInitiated {
		signed = signed.Neg()
	}
	st.cumulative = st.cumulative.Add(signed)
}

// locate 返回 bucket 对应的 DeltaBar，必要时按时间顺序插入并裁剪。
func (bs *bucketSeries) locate(bucket int64, retention int) (*market.DeltaBar, bool) {
	n := len(bs.bars)
	if n == 0 || bucket > bs.bars[n-1].OpenTime {
		bs.bars = append(bs.bars, market.DeltaBar{OpenTime: bucket})
		bs.trim(retention)
		return &bs.bars[len(bs.bars)-1], true
	}
	if bucket < bs.bars[0].OpenTime {
		return nil, false
	}
	// 迟到成交：从尾部回找，通常只回退一两个桶。
	for i := n - 1; i >= 0; i-- {
		if bs.bars[i].OpenTime == bucket {
			return &bs.bars[i], true
		}
		if bs.bars[i].OpenTime < bucket {
			bs.bars = append(bs.bars, market.DeltaBar{})
			copy(bs.bars[i+2:], bs.bars[i+1:])
			bs.bars[i+1] = market.DeltaBar{OpenTime: bucket}
			return &bs.bars[i+1-bs.trim(retention)], true
		}
	}
	return nil, false
}

// trim 从头部丢弃超出 retention 的桶，返回丢弃数。
func (bs *bucketSeries) trim(retention int) int {
	drop := len(bs.bars) - retention
	if drop <= 0 {
		return 0
	}
	bs.bars = append([]market.DeltaBar(nil), bs.bars[drop:]...)
	return drop
}

// CVDTrend 基于最近 K 个累计 delta 采样的线性回归斜率分类趋势。
// 斜率以平均单桶 |delta| 归一化；样本不足或幅度低于阈值时为 NEUTRAL。
func (d *DeltaStore) CVDTrend(symbol string) market.Trend {
	symbol = market.NormalizeSymbol(symbol)
	d.mu.RLock()
	st := d.symbols[symbol]
	if st == nil {
		d.mu.RUnlock()
		return market.TrendNeutral
	}
	samples := make([]float64, 0, len(st.samples)+1)
	samples = append(samples, st.samples...)
	samples = append(samples, st.cumulative.InexactFloat64())
	d.mu.RUnlock()

	if len(samples) < d.k {
		return market.TrendNeutral
	}
	samples = samples[len(samples)-d.k:]
	return classify(samples, d.threshold)
}

func classify(samples []float64, threshold float64) market.Trend {
	n := len(samples)
	slopes := talib.LinearRegSlope(samples, n)
	slope := slopes[len(slopes)-1]

	var scale float64
	for i := 1; i < n; i++ {
		scale += math.Abs(samples[i] - samples[i-1])
	}
	scale /= float64(n - 1)
	if scale == 0 || math.IsNaN(slope) {
		return market.TrendNeutral
	}
	norm := slope / scale
	switch {
	case norm >= threshold:
		return market.TrendBullish
	case norm <= -threshold:
		return market.TrendBearish
	default:
		return market.TrendNeutral
	}
}

// RecentDelta 汇总最近 lookbackBars 个桶的 delta。
func (d *DeltaStore) RecentDelta(symbol string, tf market.Timeframe, lookbackBars int) (delta float64, sampleCount int) {
	bars := d.Bars(symbol, tf, lookbackBars)
	sum := decimal.Zero
	for _, b := range bars {
		sum = sum.Add(decimal.NewFromFloat(b.Delta))
	}
	return sum.InexactFloat64(), len(bars)
}

// Bars 返回最近 limit 个 DeltaBar 的拷贝（升序）。
func (d *DeltaStore) Bars(symbol string, tf market.Timeframe, limit int) []market.DeltaBar {
	if limit <= 0 {
		return nil
	}
	k := market.SeriesKey{Symbol: market.NormalizeSymbol(symbol), Timeframe: tf}
	d.mu.RLock()
	defer d.mu.RUnlock()
	bs := d.buckets[k]
	if bs == nil || len(bs.bars) == 0 {
		return nil
	}
	if limit > len(bs.bars) {
		limit = len(bs.bars)
	}
	out := make([]market.DeltaBar, limit)
	copy(out, bs.bars[len(bs.bars)-limit:])
	return out
}

// CumulativeDelta 返回 symbol 的累计 delta。
func (d *DeltaStore) CumulativeDelta(symbol string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.symbols[market.NormalizeSymbol(symbol)]
	if st == nil {
		return 0
	}
	return st.cumulative.InexactFloat64()
}

// Metrics 在最近 window 个桶上计算 CVD 快照。
func (d *DeltaStore) Metrics(symbol string, tf market.Timeframe, window int) (market.CVDMetrics, bool) {
	return market.ComputeCVD(d.Bars(symbol, tf, window))
}

// SetConnectionState 仅用于诊断，不影响计算。
func (d *DeltaStore) SetConnectionState(connected bool) {
	d.connected.Store(connected)
	d.reg.SetOrderflowOnline(connected)
}

func (d *DeltaStore) Connected() bool { return d.connected.Load() }

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
