// Package engine 按配置装配行情摄取与对账的全部组件，并管理其启动与关闭。
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"klinehub/internal/aggregate"
	"klinehub/internal/coins"
	"klinehub/internal/config"
	"klinehub/internal/freshness"
	"klinehub/internal/gateway/binance"
	"klinehub/internal/gateway/database"
	"klinehub/internal/history"
	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/orderflow"
	"klinehub/internal/store"
	"klinehub/internal/stream"
	"klinehub/internal/telemetry"
	"klinehub/internal/transport/http/diag"
)

const closeQueueSize = 1024

// SymbolFilter 过滤掉交易所不可交易的 symbol；binance.SymbolCatalog 实现它。
type SymbolFilter interface {
	Filter(ctx context.Context, symbols []string) (ok, rejected []string, err error)
}

// Deps 允许替换外部依赖；零值字段按配置创建。
type Deps struct {
	Source  market.ChunkSource
	Dialer  stream.Dialer
	Symbols coins.SymbolProvider
	Filter  SymbolFilter
	Now     func() time.Time
}

type Engine struct {
	cfg   *config.Config
	state *State

	bars       *store.MemoryKlineStore
	deltas     *orderflow.DeltaStore
	prices     *freshness.PriceTable
	fetcher    *history.Fetcher
	cache      *database.KlineCache
	arbiter    *freshness.Arbiter
	dispatcher *stream.Dispatcher
	supervisor *stream.Supervisor
	server     *diag.Server

	provider coins.SymbolProvider
	filter   SymbolFilter
	closes   chan market.CandleEvent
	symbols  []string
}

func New(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config 不能为空")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	state := NewState(cfg.Close.LedgerCapacity)
	reg := state.Registry
	bcfg := BinanceConfig(cfg)

	e := &Engine{
		cfg:    cfg,
		state:  state,
		closes: make(chan market.CandleEvent, closeQueueSize),
	}
	e.bars = store.NewMemoryKlineStore(store.Options{
		Retention:        cfg.RetentionByTimeframe(),
		DefaultRetention: cfg.Store.DefaultRetention,
		Registry:         reg,
	})
	cvdTF, _ := market.ParseTimeframe(cfg.Orderflow.CVDTimeframe)
	e.deltas = orderflow.NewDeltaStore(orderflow.Options{
		CVDTimeframe: cvdTF,
		Samples:      cfg.Orderflow.Samples,
		Threshold:    cfg.Orderflow.Threshold,
		Retention:    cfg.Orderflow.Retention,
		Registry:     reg,
	})
	e.prices = freshness.NewPriceTable(config.Millis(cfg.Freshness.PriceMaxAgeMs), now)

	src := deps.Source
	if src == nil {
		src = binance.New(bcfg)
	}
	e.fetcher = NewFetcher(src, cfg, reg, now)

	if cfg.Cache.Driver != "" {
		cache, err := database.Open(ctx, cfg.Cache.Driver, cfg.Cache.DSN)
		if err != nil {
			return nil, fmt.Errorf("open kline cache: %w", err)
		}
		e.cache = cache
	}
	var cache market.KlineCache
	if e.cache != nil {
		cache = e.cache
	}
	e.arbiter = freshness.New(e.bars, cache, e.fetcher, freshness.Config{
		Multiplier:     cfg.Freshness.Multiplier,
		TTLFactor:      cfg.Freshness.TTLFactor,
		DecisionWindow: cfg.Freshness.DecisionWindow,
		Now:            now,
	})

	tickTFs, _ := config.ParseTimeframes(cfg.Stream.TickerTimeframes)
	tradeTFs, _ := config.ParseTimeframes(cfg.Orderflow.Timeframes)
	e.dispatcher = &stream.Dispatcher{
		Store:           e.bars,
		Detector:        aggregate.NewCloseDetector(config.Millis(cfg.Close.GraceMs), state.Ledger, reg),
		Deltas:          e.deltas,
		Prices:          e.prices,
		Registry:        reg,
		TradeTimeframes: tradeTFs,
		OnClose:         e.enqueueClose,
		Now:             now,
	}
	if len(tickTFs) > 0 {
		e.dispatcher.Builder = aggregate.NewBarBuilder(tickTFs, reg)
		e.dispatcher.Builder.SetResume(e.bars.Last)
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = binance.NewDialer(bcfg)
	}
	e.supervisor = stream.NewSupervisor(dialer, binance.Codec{}, e.dispatcher, stream.Config{
		MaxStreamsPerConn: cfg.Stream.MaxStreamsPerConn,
		StaggerDelay:      config.Millis(cfg.Stream.StaggerMs),
		ReconnectDelay:    config.Millis(cfg.Stream.ReconnectMs),
	}, reg)

	e.provider = deps.Symbols
	if e.provider == nil {
		if cfg.App.SymbolsURL != "" {
			e.provider = coins.NewHTTPSymbolProvider(cfg.App.SymbolsURL, cfg.App.Quote, cfg.App.Symbols)
		} else {
			e.provider = coins.NewStaticProvider(cfg.App.Symbols, cfg.App.Quote)
		}
	}
	e.filter = deps.Filter
	if e.filter == nil && cfg.App.ValidateSymbols {
		e.filter = binance.NewSymbolCatalog(bcfg)
	}

	if cfg.HTTP.Addr != "" {
		e.server = diag.NewServer(cfg.HTTP.Addr, diag.NewRouter(diag.RouterParams{
			Bars:     e.arbiter,
			Deltas:   e.deltas,
			Prices:   e.prices,
			Registry: reg,
			Jobs:     state.Jobs,
		}))
	}
	return e, nil
}

// BinanceConfig 把配置中的毫秒字段映射为网关配置。
func BinanceConfig(cfg *config.Config) binance.Config {
	b := cfg.Binance
	return binance.Config{
		RESTBaseURL:       b.RESTBaseURL,
		WSBaseURL:         b.WSBaseURL,
		RateLimitPerMin:   b.RateLimitPerMin,
		HTTPTimeout:       config.Millis(b.HTTPTimeoutMs),
		RateLimitCooldown: config.Millis(b.RateLimitCooldownMs),
		HandshakeTimeout:  config.Millis(b.HandshakeTimeoutMs),
		ReadTimeout:       config.Millis(b.ReadTimeoutMs),
	}
}

func NewFetcher(src market.ChunkSource, cfg *config.Config, reg *telemetry.Registry, now func() time.Time) *history.Fetcher {
	h := cfg.History
	return history.NewFetcher(src, history.Config{
		ChunkSize: h.ChunkSize,
		MaxPages:  h.MaxPages,
		Retry: history.RetryConfig{
			Attempts: h.RetryAttempts,
			Min:      config.Millis(h.RetryMinMs),
			Max:      config.Millis(h.RetryMaxMs),
			Jitter:   true,
		},
		Registry: reg,
		Now:      now,
	})
}

func (e *Engine) State() *State                  { return e.state }
func (e *Engine) Store() *store.MemoryKlineStore { return e.bars }
func (e *Engine) Deltas() *orderflow.DeltaStore  { return e.deltas }
func (e *Engine) Arbiter() *freshness.Arbiter    { return e.arbiter }
func (e *Engine) Symbols() []string              { return append([]string(nil), e.symbols...) }

// Run 解析 symbol、回填历史、订阅实时流并阻塞直到 ctx 取消；返回前完成关闭流程。
func (e *Engine) Run(ctx context.Context) error {
	symbols, err := e.ResolveSymbols(ctx)
	if err != nil {
		e.closeCache()
		return err
	}
	e.symbols = symbols
	logger.Infof("[engine] 启动 %s：%d 个 symbol，周期 %v", e.cfg.App.Name, len(symbols), e.cfg.Timeframes())

	e.Warmup(ctx, symbols, e.cfg.Timeframes(), e.cfg.App.WarmupBars)
	if err := e.subscribe(ctx, symbols); err != nil {
		e.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.persistCloses(gctx)
		return nil
	})
	g.Go(func() error {
		e.statusLoop(gctx)
		return nil
	})
	if e.server != nil {
		g.Go(func() error { return e.server.Start(gctx) })
	}
	err = g.Wait()
	e.shutdown()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

func (e *Engine) ResolveSymbols(ctx context.Context) ([]string, error) {
	list, err := e.provider.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols via %s: %w", e.provider.Name(), err)
	}
	if e.filter == nil {
		return list, nil
	}
	ok, rejected, err := e.filter.Filter(ctx, list)
	if err != nil {
		logger.Warnf("[engine] 交易所 symbol 校验失败，按原列表继续: %v", err)
		return list, nil
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("no tradable symbols (rejected %v)", rejected)
	}
	return ok, nil
}

func (e *Engine) subscribe(ctx context.Context, symbols []string) error {
	klineTFs, _ := config.ParseTimeframes(e.cfg.Stream.KlineTimeframes)
	if len(klineTFs) > 0 {
		if _, err := e.supervisor.Subscribe(ctx, market.FeedKline, symbols, klineTFs); err != nil {
			return fmt.Errorf("subscribe klines: %w", err)
		}
	}
	if !e.cfg.Stream.DisableTicker {
		if _, err := e.supervisor.Subscribe(ctx, market.FeedTicker, symbols, nil); err != nil {
			return fmt.Errorf("subscribe tickers: %w", err)
		}
	}
	if !e.cfg.Stream.DisableTrades {
		if _, err := e.supervisor.Subscribe(ctx, market.FeedTrade, symbols, nil); err != nil {
			return fmt.Errorf("subscribe trades: %w", err)
		}
	}
	return nil
}

func (e *Engine) enqueueClose(ev market.CandleEvent) {
	select {
	case e.closes <- ev:
	default:
		e.state.Registry.Inc(telemetry.CounterDroppedEvents)
		logger.Warnf("[engine] 收盘队列已满，丢弃 %s@%s %d", ev.Symbol, ev.Timeframe, ev.Candle.OpenTime)
	}
}

// persistCloses 把收盘 K 线写入备用缓存，直到 ctx 结束；剩余的由 drainCloses 在流关闭后处理。
func (e *Engine) persistCloses(ctx context.Context) {
	for {
		select {
		case ev := <-e.closes:
			e.writeClose(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) drainCloses() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-e.closes:
			e.writeClose(ctx, ev)
		default:
			return
		}
	}
}

func (e *Engine) writeClose(ctx context.Context, ev market.CandleEvent) {
	logger.Debugf("[engine] 收盘 %s@%s open=%d close=%.8g", ev.Symbol, ev.Timeframe, ev.Candle.OpenTime, ev.Candle.Close)
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, ev.Symbol, ev.Timeframe, []market.Candle{ev.Candle}); err != nil {
		logger.Warnf("[engine] 缓存写入失败 %s@%s: %v", ev.Symbol, ev.Timeframe, err)
	}
}

func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(config.Millis(e.cfg.App.StatusIntervalMs))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Infof("[engine] 状态\n%s", RenderStatus(e.state.Registry.Snapshot()))
		}
	}
}

func (e *Engine) shutdown() {
	if err := e.supervisor.Close(); err != nil {
		logger.Warnf("[engine] 关闭流连接: %v", err)
	}
	e.drainCloses()
	if dir := e.cfg.Export.Dir; dir != "" {
		e.ExportSnapshots(dir)
	}
	if e.cache != nil && e.cfg.Cache.Keep > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, k := range e.bars.Keys() {
			if _, err := e.cache.Prune(ctx, k.Symbol, k.Timeframe, e.cfg.Cache.Keep); err != nil {
				logger.Warnf("[engine] 缓存裁剪失败 %s: %v", k, err)
			}
		}
		cancel()
	}
	e.closeCache()
	logger.Infof("[engine] 已关闭\n%s", RenderStatus(e.state.Registry.Snapshot()))
}

// Close 释放未经 Run 使用的资源（例如一次性回填）。
func (e *Engine) Close() { e.closeCache() }

func (e *Engine) closeCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.Close(); err != nil {
		logger.Warnf("[engine] 关闭缓存: %v", err)
	}
}
