// Package freshness 决定一次读取应当由哪一层数据满足：实时存储、备用缓存、拉取缓存或 REST 拉取。
package freshness

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"klinehub/internal/history"
	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/store"
)

const (
	DefaultMultiplier     = 3.0
	DefaultTTLFactor      = 0.5
	DefaultDecisionWindow = 200
	DefaultFetchTimeout   = 2 * time.Minute
)

// Source 标明响应来自哪一层。
type Source string

const (
	SourceStore      Source = "store"
	SourceCache      Source = "cache"
	SourceFetchCache Source = "fetch_cache"
	SourceFetch      Source = "fetch"
)

// Response 是一次读取的结果；Stale 表示该数据未通过新鲜度判定，仅作兜底。
type Response struct {
	Bars   []market.Candle
	Source Source
	Stale  bool
}

// Fetcher 是 history.Fetcher 的抽象。
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, tf market.Timeframe, n int) (history.Result, error)
}

// BarStore 是仲裁器依赖的存储子集。
type BarStore interface {
	store.Reader
	Seed(symbol string, tf market.Timeframe, bars []market.Candle, markClosed bool) store.SeedResult
}

type Config struct {
	// Multiplier 决定“最新一根距今不超过几个周期”算新鲜。
	Multiplier float64
	// TTLFactor 是拉取缓存的存活时间（周期的倍数）。
	TTLFactor      float64
	DecisionWindow int
	// FetchTimeout 限制一次合并拉取的总时长；拉取不随单个调用方取消。
	FetchTimeout time.Duration
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.TTLFactor <= 0 {
		c.TTLFactor = DefaultTTLFactor
	}
	if c.DecisionWindow <= 0 {
		c.DecisionWindow = DefaultDecisionWindow
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type fetchEntry struct {
	bars []market.Candle
	at   time.Time
}

// strategy 是仲裁链中的一层；lookup 返回该层现有的数据（可能为空或不新鲜）。
type strategy struct {
	source Source
	lookup func(ctx context.Context, k market.SeriesKey, limit int, strict bool) []market.Candle
}

// Arbiter 并发安全；同一序列的并发拉取经 singleflight 合并。
type Arbiter struct {
	store   BarStore
	cache   market.KlineCache
	fetcher Fetcher
	cfg     Config

	group singleflight.Group

	mu      sync.RWMutex
	fetched map[market.SeriesKey]fetchEntry

	chain []strategy
}

// New 创建仲裁器；cache 可以为 nil。
func New(bs BarStore, cache market.KlineCache, fetcher Fetcher, cfg Config) *Arbiter {
	a := &Arbiter{
		store:   bs,
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		fetched: make(map[market.SeriesKey]fetchEntry),
	}
	a.chain = []strategy{
		{source: SourceStore, lookup: a.fromStore},
		{source: SourceCache, lookup: a.fromCache},
		{source: SourceFetchCache, lookup: a.fromFetchCache},
	}
	return a
}

// Read 返回最新 limit 根 K 线（升序）。所有层都没有数据时返回 ErrNoData。
func (a *Arbiter) Read(ctx context.Context, symbol string, tf market.Timeframe, limit int) (Response, error) {
	k := market.SeriesKey{Symbol: market.NormalizeSymbol(symbol), Timeframe: tf}
	if k.Symbol == "" || !tf.Valid() || limit <= 0 {
		return Response{}, fmt.Errorf("read %s limit=%d: %w", k, limit, market.ErrMalformed)
	}
	now := a.cfg.Now()
	for _, s := range a.chain {
		bars := s.lookup(ctx, k, limit, true)
		if len(bars) >= limit && a.Fresh(bars, tf, now) {
			return Response{Bars: tail(bars, limit), Source: s.source}, nil
		}
	}

	bars, err := a.fetch(ctx, k, limit)
	if err == nil {
		return Response{Bars: tail(bars, limit), Source: SourceFetch, Stale: !a.Fresh(bars, tf, a.cfg.Now())}, nil
	}
	logger.Warnf("[freshness] %s 拉取失败，尝试兜底: %v", k, err)
	for _, s := range a.chain {
		if bars := s.lookup(ctx, k, limit, false); len(bars) > 0 {
			return Response{Bars: tail(bars, limit), Source: s.source, Stale: true}, nil
		}
	}
	if errors.Is(err, market.ErrNoData) {
		return Response{}, err
	}
	return Response{}, fmt.Errorf("read %s: %w (last fetch: %v)", k, market.ErrNoData, err)
}

// Fresh 判定序列最新一根的 OpenTime 距 now 是否小于 Multiplier 个周期。
func (a *Arbiter) Fresh(bars []market.Candle, tf market.Timeframe, now time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	newest := bars[len(bars)-1].OpenTime
	maxAge := time.Duration(a.cfg.Multiplier * float64(tf.Duration()))
	return now.Sub(time.UnixMilli(newest)) < maxAge
}

func (a *Arbiter) fromStore(_ context.Context, k market.SeriesKey, limit int, _ bool) []market.Candle {
	return a.store.Read(k.Symbol, k.Timeframe, limit)
}

func (a *Arbiter) fromCache(ctx context.Context, k market.SeriesKey, limit int, _ bool) []market.Candle {
	if a.cache == nil {
		return nil
	}
	bars, err := a.cache.Recent(ctx, k.Symbol, k.Timeframe, limit)
	if err != nil {
		logger.Warnf("[freshness] 读取备用缓存 %s 失败: %v", k, err)
		return nil
	}
	return bars
}

// fromFetchCache 在 strict 模式下只返回未过期（TTL 内）的条目。
func (a *Arbiter) fromFetchCache(_ context.Context, k market.SeriesKey, _ int, strict bool) []market.Candle {
	a.mu.RLock()
	e, ok := a.fetched[k]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	if strict && a.cfg.Now().Sub(e.at) >= a.ttl(k.Timeframe) {
		return nil
	}
	return e.bars
}

func (a *Arbiter) ttl(tf market.Timeframe) time.Duration {
	return time.Duration(a.cfg.TTLFactor * float64(tf.Duration()))
}

// fetch 拉取 max(limit, DecisionWindow) 根，写入存储、备用缓存与拉取缓存。
func (a *Arbiter) fetch(ctx context.Context, k market.SeriesKey, limit int) ([]market.Candle, error) {
	if a.fetcher == nil {
		return nil, fmt.Errorf("fetch %s: %w", k, market.ErrNoData)
	}
	n := limit
	if a.cfg.DecisionWindow > n {
		n = a.cfg.DecisionWindow
	}
	ch := a.group.DoChan(k.String()+"#"+strconv.Itoa(n), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.FetchTimeout)
		defer cancel()
		res, err := a.fetcher.Fetch(fctx, k.Symbol, k.Timeframe, n)
		if err != nil {
			return nil, err
		}
		seed := a.store.Seed(k.Symbol, k.Timeframe, res.Bars, false)
		if seed.Rejected {
			logger.Warnf("[freshness] %s 回填数据被存储拒绝", k)
		}
		if a.cache != nil {
			if err := a.cache.Put(fctx, k.Symbol, k.Timeframe, res.Bars); err != nil {
				logger.Warnf("[freshness] 写入备用缓存 %s 失败: %v", k, err)
			}
		}
		a.mu.Lock()
		a.fetched[k] = fetchEntry{bars: res.Bars, at: a.cfg.Now()}
		a.mu.Unlock()
		return res.Bars, nil
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Shared {
		logger.Debugf("[freshness] %s 复用进行中的拉取", k)
	}
	return r.Val.([]market.Candle), nil
}

func tail(bars []market.Candle, limit int) []market.Candle {
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]market.Candle, len(bars))
	copy(out, bars)
	return out
}
