package store

import (
	"sort"
	"sync"

	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

// DefaultRetention 是每条序列默认保留的 K 线根数。
const DefaultRetention = 500

// Reader 是下游只读契约。
type Reader interface {
	Read(symbol string, tf market.Timeframe, limit int) []market.Candle
	Count(symbol string, tf market.Timeframe) int
}

// Writer 是行情写入契约：单根增量 upsert 与批量种子。
type Writer interface {
	Upsert(symbol string, tf market.Timeframe, bar market.Candle, isClose bool) Outcome
	Seed(symbol string, tf market.Timeframe, bars []market.Candle, markClosed bool) SeedResult
}

// Outcome 描述一次 Upsert 的结果。
type Outcome int

const (
	OutcomeAppended Outcome = iota
	OutcomeReplaced
	OutcomeDuplicate
	OutcomeRejectedSealed
	OutcomeRejectedOrder
	OutcomeRejectedMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejectedSealed:
		return "rejected_sealed"
	case OutcomeRejectedOrder:
		return "rejected_order"
	default:
		return "rejected_malformed"
	}
}

// Applied 报告序列是否发生了变化。
func (o Outcome) Applied() bool { return o == OutcomeAppended || o == OutcomeReplaced }

// SeedResult 汇总一次 Seed。
type SeedResult struct {
	Accepted int
	Dropped  int
	Rejected bool
	Count    int
}

type series struct {
	bars []market.Candle
	// confirmed 表示末尾已封口的 K 线已经消耗了唯一一次同 OpenTime 收盘确认。
	confirmed bool
}

// Options 配置保留上限与诊断注入。
type Options struct {
	Retention        map[market.Timeframe]int
	DefaultRetention int
	Registry         *telemetry.Registry
}

// MemoryKlineStore 内存实现；所有序列由它独占，读返回拷贝。
type MemoryKlineStore struct {
	mu        sync.RWMutex
	data      map[market.SeriesKey]*series
	retention map[market.Timeframe]int
	fallback  int
	reg       *telemetry.Registry
}

func NewMemoryKlineStore(opts Options) *MemoryKlineStore {
	fallback := opts.DefaultRetention
	if fallback <= 0 {
		fallback = DefaultRetention
	}
	ret := make(map[market.Timeframe]int, len(opts.Retention))
	for tf, n := range opts.Retention {
		if n > 0 {
			ret[tf] = n
		}
	}
	return &MemoryKlineStore{
		data:      make(map[market.SeriesKey]*series),
		retention: ret,
		fallback:  fallback,
		reg:       opts.Registry,
	}
}

func key(symbol string, tf market.Timeframe) market.SeriesKey {
	return market.SeriesKey{Symbol: market.NormalizeSymbol(symbol), Timeframe: tf}
}

// Retention 返回指定周期的保留上限。
func (s *MemoryKlineStore) Retention(tf market.Timeframe) int {
	if n, ok := s.retention[tf]; ok {
		return n
	}
	return s.fallback
}

func (s *MemoryKlineStore) wellFormed(symbol string, tf market.Timeframe, bar market.Candle) bool {
	return market.NormalizeSymbol(symbol) != "" && tf.Valid() && bar.Valid() && tf.Align(bar.OpenTime) == bar.OpenTime
}

// Upsert 写入单根 K 线：同 OpenTime 覆盖末尾，更新的追加，更旧的拒绝。
// 已封口的 K 线只接受一次同 OpenTime 的收盘确认，且不允许收窄高低点或减少成交量。
func (s *MemoryKlineStore) Upsert(symbol string, tf market.Timeframe, bar market.Candle, isClose bool) Outcome {
	if !s.wellFormed(symbol, tf, bar) {
		s.reg.Inc(telemetry.CounterMalformed)
		logger.Debugf("[store] 丢弃异常 K 线 %s@%s open=%d", symbol, tf, bar.OpenTime)
		return OutcomeRejectedMalformed
	}
	bar.Closed = isClose
	k := key(symbol, tf)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[k]
	if cur == nil {
		cur = &series{}
		s.data[k] = cur
	}
	n := len(cur.bars)
	if n == 0 {
		cur.bars = append(cur.bars, bar)
		return OutcomeAppended
	}
	last := cur.bars[n-1]
	switch {
	case bar.OpenTime == last.OpenTime:
		if !last.Closed {
			cur.bars[n-1] = bar
			cur.confirmed = false
			return OutcomeReplaced
		}
		if bar == last {
			return OutcomeDuplicate
		}
		if !isClose || cur.confirmed || narrows(last, bar) {
			s.reg.Inc(telemetry.CounterSealedRejects)
			logger.Debugf("[store] 拒绝覆盖已封口 K 线 %s open=%d close_event=%v", k, bar.OpenTime, isClose)
			return OutcomeRejectedSealed
		}
		cur.bars[n-1] = bar
		cur.confirmed = true
		return OutcomeReplaced
	case bar.OpenTime > last.OpenTime:
		// 新 K 线到来意味着上一根不会再变化。
		cur.bars[n-1].Closed = true
		cur.bars = append(cur.bars, bar)
		cur.confirmed = false
		s.trimLocked(cur, tf)
		return OutcomeAppended
	default:
		s.reg.Inc(telemetry.CounterOrderingAnomalies)
		logger.Warnf("[store] 乱序 K 线 %s open=%d last=%d，已丢弃", k, bar.OpenTime, last.OpenTime)
		return OutcomeRejectedOrder
	}
}

func narrows(sealed, next market.Candle) bool {
	return next.High < sealed.High || next.Low > sealed.Low || next.Volume < sealed.Volume
}

// Seed 批量载入按 OpenTime 非递减的 K 线并与现有序列合并。
// 非单调的批次整体拒绝；重复 OpenTime 保留首个；异常数值的单根丢弃。
func (s *MemoryKlineStore) Seed(symbol string, tf market.Timeframe, bars []market.Candle, markClosed bool) SeedResult {
	var res SeedResult
	if market.NormalizeSymbol(symbol) == "" || !tf.Valid() {
		s.reg.Inc(telemetry.CounterSeedRejects)
		res.Rejected = true
		return res
	}
	clean := make([]market.Candle, 0, len(bars))
	prev := int64(-1)
	for _, b := range bars {
		if !s.wellFormed(symbol, tf, b) {
			res.Dropped++
			continue
		}
		if b.OpenTime < prev {
			s.reg.Inc(telemetry.CounterSeedRejects)
			logger.Warnf("[store] 种子批次非单调 %s@%s at=%d prev=%d，整体拒绝", symbol, tf, b.OpenTime, prev)
			return SeedResult{Rejected: true, Dropped: len(bars), Count: s.Count(symbol, tf)}
		}
		if b.OpenTime == prev {
			res.Dropped++
			continue
		}
		if markClosed {
			b.Closed = true
		}
		clean = append(clean, b)
		prev = b.OpenTime
	}
	if res.Dropped > 0 {
		s.reg.Add(telemetry.CounterMalformed, int64(res.Dropped))
	}
	res.Accepted = len(clean)

	k := key(symbol, tf)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[k]
	if cur == nil {
		cur = &series{}
		s.data[k] = cur
	}
	if len(clean) == 0 {
		res.Count = len(cur.bars)
		return res
	}
	var prevLast int64
	if n := len(cur.bars); n > 0 {
		prevLast = cur.bars[n-1].OpenTime
	}
	cur.bars = mergeSeries(cur.bars, clean)
	for i := 0; i < len(cur.bars)-1; i++ {
		cur.bars[i].Closed = true
	}
	if cur.bars[len(cur.bars)-1].OpenTime != prevLast {
		cur.confirmed = false
	}
	s.trimLocked(cur, tf)
	res.Count = len(cur.bars)
	return res
}

// mergeSeries 合并两条升序序列。冲突时已封口的存量优先，其次是已封口的种子，
// 双方都在形成中时保留实时存量。
func mergeSeries(existing, seed []market.Candle) []market.Candle {
	out := make([]market.Candle, 0, len(existing)+len(seed))
	i, j := 0, 0
	for i < len(existing) && j < len(seed) {
		e, x := existing[i], seed[j]
		switch {
		case e.OpenTime < x.OpenTime:
			out = append(out, e)
			i++
		case x.OpenTime < e.OpenTime:
			out = append(out, x)
			j++
		default:
			if !e.Closed && x.Closed {
				out = append(out, x)
			} else {
				out = append(out, e)
			}
			i++
			j++
		}
	}
	out = append(out, existing[i:]...)
	out = append(out, seed[j:]...)
	return out
}

func (s *MemoryKlineStore) trimLocked(cur *series, tf market.Timeframe) {
	max := s.Retention(tf)
	if len(cur.bars) > max {
		trimmed := make([]market.Candle, max)
		copy(trimmed, cur.bars[len(cur.bars)-max:])
		cur.bars = trimmed
	}
}

// Read 返回最近 limit 根 K 线（按时间升序）。
func (s *MemoryKlineStore) Read(symbol string, tf market.Timeframe, limit int) []market.Candle {
	if limit <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, tf)]
	if cur == nil || len(cur.bars) == 0 {
		return nil
	}
	if limit > len(cur.bars) {
		limit = len(cur.bars)
	}
	out := make([]market.Candle, limit)
	copy(out, cur.bars[len(cur.bars)-limit:])
	return out
}

func (s *MemoryKlineStore) Count(symbol string, tf market.Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, tf)]
	if cur == nil {
		return 0
	}
	return len(cur.bars)
}

// Last 返回最新一根 K 线。
func (s *MemoryKlineStore) Last(symbol string, tf market.Timeframe) (market.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, tf)]
	if cur == nil || len(cur.bars) == 0 {
		return market.Candle{}, false
	}
	return cur.bars[len(cur.bars)-1], true
}

// Keys 返回全部已创建序列的键，按字典序。
func (s *MemoryKlineStore) Keys() []market.SeriesKey {
	s.mu.RLock()
	out := make([]market.SeriesKey, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
