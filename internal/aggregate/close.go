package aggregate

import (
	"sync"
	"time"

	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

const (
	DefaultGrace          = 100 * time.Millisecond
	DefaultLedgerCapacity = 1000
)

type closeKey struct {
	symbol    string
	timeframe market.Timeframe
	closeTime int64
}

// Ledger 是有界的收盘去重集合，满时淘汰最早写入的键。
type Ledger struct {
	mu    sync.Mutex
	cap   int
	seen  map[closeKey]struct{}
	order []closeKey
	head  int
}

func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{cap: capacity, seen: make(map[closeKey]struct{}, capacity)}
}

// Mark 记录 key；已存在时返回 false。
func (l *Ledger) Mark(symbol string, tf market.Timeframe, closeTime int64) bool {
	k := closeKey{symbol: market.NormalizeSymbol(symbol), timeframe: tf, closeTime: closeTime}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[k]; ok {
		return false
	}
	if len(l.order) < l.cap {
		l.order = append(l.order, k)
	} else {
		delete(l.seen, l.order[l.head])
		l.order[l.head] = k
		l.head = (l.head + 1) % l.cap
	}
	l.seen[k] = struct{}{}
	return true
}

func (l *Ledger) Seen(symbol string, tf market.Timeframe, closeTime int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[closeKey{symbol: market.NormalizeSymbol(symbol), timeframe: tf, closeTime: closeTime}]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// CloseDetector 结合服务端 closed 标记与本地时钟判定收盘，并用 Ledger 去重。
type CloseDetector struct {
	grace  time.Duration
	ledger *Ledger
	reg    *telemetry.Registry
}

func NewCloseDetector(grace time.Duration, ledger *Ledger, reg *telemetry.Registry) *CloseDetector {
	if grace < 0 {
		grace = DefaultGrace
	}
	if ledger == nil {
		ledger = NewLedger(DefaultLedgerCapacity)
	}
	return &CloseDetector{grace: grace, ledger: ledger, reg: reg}
}

// Detect 报告该帧是否是一次新的收盘。返回 true 时 key 已写入 ledger。
func (d *CloseDetector) Detect(f market.KlineFrame, now time.Time) bool {
	elapsed := now.UnixMilli() >= f.CloseTime+d.grace.Milliseconds()
	if !f.ServerClosed && !elapsed {
		return false
	}
	if !d.ledger.Mark(f.Symbol, f.Timeframe, f.CloseTime) {
		d.reg.Inc(telemetry.CounterDuplicateCloses)
		return false
	}
	d.reg.Inc(telemetry.CounterClosesEmitted)
	return true
}
