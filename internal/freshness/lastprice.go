package freshness

import (
	"sync"
	"time"

	"klinehub/internal/market"
)

const DefaultLastPriceMaxAge = 10 * time.Second

type lastPriceEntry struct {
	price float64
	ts    int64
}

// PriceTable 记录 ticker 流的最新价，超过 maxAge 的价格视为不可用。
type PriceTable struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]lastPriceEntry
}

func NewPriceTable(maxAge time.Duration, now func() time.Time) *PriceTable {
	if maxAge <= 0 {
		maxAge = DefaultLastPriceMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &PriceTable{maxAge: maxAge, now: now, prices: make(map[string]lastPriceEntry)}
}

// Observe 记录一次报价；比已记录更旧的事件被忽略。
func (t *PriceTable) Observe(ev market.TickerEvent) {
	symbol := market.NormalizeSymbol(ev.Symbol)
	if symbol == "" || ev.Price <= 0 {
		return
	}
	ts := ev.EventTime
	if ts <= 0 {
		ts = t.now().UnixMilli()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.prices[symbol]; ok && cur.ts > ts {
		return
	}
	t.prices[symbol] = lastPriceEntry{price: ev.Price, ts: ts}
}

// Fresh 返回未过期的最新价。
func (t *PriceTable) Fresh(symbol string) (float64, bool) {
	t.mu.RLock()
	entry, ok := t.prices[market.NormalizeSymbol(symbol)]
	t.mu.RUnlock()
	if !ok || entry.price <= 0 {
		return 0, false
	}
	if t.now().Sub(time.UnixMilli(entry.ts)) > t.maxAge {
		return 0, false
	}
	return entry.price, true
}

// Snapshot 返回所有 symbol 的最新价（含过期的），供诊断使用。
func (t *PriceTable) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.prices))
	for sym, e := range t.prices {
		out[sym] = e.price
	}
	return out
}
