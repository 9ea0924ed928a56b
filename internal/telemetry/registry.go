// Package telemetry 保存进程内的只读诊断快照：计数器、最近错误与连接健康表。
package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// 计数器名称。
const (
	CounterMessages          = "messages"
	CounterParseErrors       = "parse_errors"
	CounterMalformed         = "malformed"
	CounterOrderingAnomalies = "ordering_anomalies"
	CounterSealedRejects     = "sealed_rejects"
	CounterDuplicateCloses   = "duplicate_closes"
	CounterClosesEmitted     = "closes_emitted"
	CounterSeedRejects       = "seed_rejects"
	CounterTradesRecorded    = "trades_recorded"
	CounterTradesDropped     = "trades_dropped"
	CounterFetchAttempts     = "fetch_attempts"
	CounterFetchFailures     = "fetch_failures"
	CounterDroppedEvents     = "dropped_events"
)

// BatchHealth 是单个订阅批次连接的健康记录。
type BatchHealth struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Streams         int       `json:"streams"`
	Connected       bool      `json:"connected"`
	LastOpen        time.Time `json:"last_open"`
	LastClose       time.Time `json:"last_close"`
	LastCloseCode   int       `json:"last_close_code"`
	LastCloseReason string    `json:"last_close_reason,omitempty"`
	ReconnectCount  int       `json:"reconnect_count"`
	Messages        int64     `json:"messages"`
}

// Snapshot 是 Registry 的一致性拷贝。
type Snapshot struct {
	Counters        map[string]int64 `json:"counters"`
	Batches         []BatchHealth    `json:"batches"`
	LastParseError  string           `json:"last_parse_error,omitempty"`
	LastRejection   string           `json:"last_rejection,omitempty"`
	OrderflowOnline bool             `json:"orderflow_online"`
	TakenAt         time.Time        `json:"taken_at"`
}

// Registry 并发安全；零值不可用，使用 NewRegistry。
type Registry struct {
	counters sync.Map // name -> *atomic.Int64

	mu             sync.RWMutex
	batches        map[string]BatchHealth
	lastParseError string
	lastRejection  string

	orderflowOnline atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]BatchHealth)}
}

// Inc 计数器加一。nil Registry 时静默忽略，方便组件在测试中不注入。
func (r *Registry) Inc(name string) { r.Add(name, 1) }

func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	v, _ := r.counters.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

func (r *Registry) Count(name string) int64 {
	if r == nil {
		return 0
	}
	v, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (r *Registry) SetParseError(msg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastParseError = msg
	r.mu.Unlock()
}

func (r *Registry) SetRejection(payload string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastRejection = payload
	r.mu.Unlock()
}

func (r *Registry) SetOrderflowOnline(up bool) {
	if r == nil {
		return
	}
	r.orderflowOnline.Store(up)
}

// UpdateBatch 以回调方式原子修改批次记录。
func (r *Registry) UpdateBatch(id string, fn func(*BatchHealth)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.batches[id]
	h.ID = id
	fn(&h)
	r.batches[id] = h
}

func (r *Registry) RemoveBatch(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.batches, id)
	r.mu.Unlock()
}

func (r *Registry) Batch(id string) (BatchHealth, bool) {
	if r == nil {
		return BatchHealth{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.batches[id]
	return h, ok
}

func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{Counters: make(map[string]int64), TakenAt: time.Now()}
	if r == nil {
		return snap
	}
	r.counters.Range(func(k, v any) bool {
		snap.Counters[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	r.mu.RLock()
	snap.LastParseError = r.lastParseError
	snap.LastRejection = r.lastRejection
	snap.Batches = make([]BatchHealth, 0, len(r.batches))
	for _, h := range r.batches {
		snap.Batches = append(snap.Batches, h)
	}
	r.mu.RUnlock()
	snap.OrderflowOnline = r.orderflowOnline.Load()
	sort.Slice(snap.Batches, func(i, j int) bool {
		if snap.Batches[i].Kind != snap.Batches[j].Kind {
			return snap.Batches[i].Kind < snap.Batches[j].Kind
		}
		return snap.Batches[i].ID < snap.Batches[j].ID
	})
	return snap
}
