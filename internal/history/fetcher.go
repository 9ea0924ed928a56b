// Package history 通过 REST 分页向前回填历史 K 线，保证拼接结果无重复、无缺口。
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

const (
	DefaultChunkSize = 1000
	DefaultMaxPages  = 10
)

// StopReason 说明分页循环为何结束。
type StopReason string

const (
	StopComplete   StopReason = "complete"
	StopEmptyChunk StopReason = "empty_chunk"
	StopShortChunk StopReason = "short_chunk"
	StopPageCap    StopReason = "page_cap"
	StopNoProgress StopReason = "no_progress"
	StopCancelled  StopReason = "cancelled"
	StopError      StopReason = "error"
)

// Config 配置 Fetcher。
type Config struct {
	ChunkSize int
	MaxPages  int
	Retry     RetryConfig
	Registry  *telemetry.Registry
	Now       func() time.Time
}

// Result 是一次回填的尽力而为结果；Err 记录提前结束的原因（若有）。
type Result struct {
	Symbol    string
	Timeframe market.Timeframe
	Bars      []market.Candle
	Pages     int
	Stop      StopReason
	Err       error
	Report    IntegrityReport
}

// Fetcher 组装指定深度的历史 K 线。
type Fetcher struct {
	src       market.ChunkSource
	chunkSize int
	maxPages  int
	retrier   *Retrier
	reg       *telemetry.Registry
	now       func() time.Time
}

func NewFetcher(src market.ChunkSource, cfg Config) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Fetcher{
		src:       src,
		chunkSize: cfg.ChunkSize,
		maxPages:  cfg.MaxPages,
		retrier:   NewRetrier(cfg.Retry),
		reg:       cfg.Registry,
		now:       cfg.Now,
	}
}

// Fetch 拉取最近 n 根 K 线。任何一页失败都会提前结束并返回已收集的部分；
// 只有一根都没拿到时才返回错误。
func (f *Fetcher) Fetch(ctx context.Context, symbol string, tf market.Timeframe, n int) (Result, error) {
	symbol = market.NormalizeSymbol(symbol)
	res := Result{Symbol: symbol, Timeframe: tf}
	if symbol == "" || !tf.Valid() || n <= 0 {
		return res, fmt.Errorf("fetch %s@%s n=%d: %w", symbol, tf, n, market.ErrMalformed)
	}

	var collected []market.Candle
	var endTime int64
	for {
		if res.Pages >= f.maxPages {
			res.Stop = StopPageCap
			break
		}
		if err := ctx.Err(); err != nil {
			res.Stop = StopCancelled
			res.Err = err
			break
		}
		var chunk []market.Candle
		f.reg.Inc(telemetry.CounterFetchAttempts)
		err := f.retrier.Do(ctx, func(ctx context.Context) error {
			c, err := f.src.FetchChunk(ctx, symbol, tf, f.chunkSize, endTime)
			chunk = c
			return err
		})
		res.Pages++
		if err != nil {
			f.reg.Inc(telemetry.CounterFetchFailures)
			res.Stop = StopError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.Stop = StopCancelled
			}
			res.Err = err
			logger.Warnf("[history] %s@%s 第 %d 页失败，返回部分结果: %v", symbol, tf, res.Pages, err)
			break
		}
		if len(chunk) == 0 {
			res.Stop = StopEmptyChunk
			break
		}
		collected = append(collected, chunk...)
		oldest := chunk[0].OpenTime
		for _, c := range chunk[1:] {
			if c.OpenTime < oldest {
				oldest = c.OpenTime
			}
		}
		if endTime > 0 && oldest > endTime {
			// 服务端忽略了 endTime，继续翻页只会原地打转。
			res.Stop = StopNoProgress
			break
		}
		endTime = oldest - 1
		if len(collected) >= n {
			res.Stop = StopComplete
			break
		}
		if len(chunk) < f.chunkSize {
			res.Stop = StopShortChunk
			break
		}
	}

	res.Bars = f.assemble(collected, tf, n)
	res.Report = CheckIntegrity(res.Bars, tf)
	if len(res.Bars) == 0 {
		if res.Err != nil {
			return res, fmt.Errorf("fetch %s@%s: %w", symbol, tf, res.Err)
		}
		return res, fmt.Errorf("fetch %s@%s: %w", symbol, tf, market.ErrNoData)
	}
	if !res.Report.Complete() {
		logger.Warnf("[history] %s@%s 存在 %d 处缺口", symbol, tf, len(res.Report.Gaps))
	}
	logger.Debugf("[history] %s@%s pages=%d bars=%d stop=%s", symbol, tf, res.Pages, len(res.Bars), res.Stop)
	return res, nil
}

// assemble 升序排序、按 OpenTime 去重（首次出现优先）并保留最新 n 根。
func (f *Fetcher) assemble(collected []market.Candle, tf market.Timeframe, n int) []market.Candle {
	if len(collected) == 0 {
		return nil
	}
	sorted := make([]market.Candle, len(collected))
	copy(sorted, collected)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })
	out := Dedupe(sorted)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	nowMs := f.now().UnixMilli()
	for i := range out {
		ct := out[i].CloseTime
		if ct <= 0 {
			ct = out[i].OpenTime + tf.Millis() - 1
			out[i].CloseTime = ct
		}
		out[i].Closed = ct < nowMs
	}
	return out
}

// Dedupe 对升序序列按 OpenTime 去重，相同 OpenTime 保留首次出现。
func Dedupe(sorted []market.Candle) []market.Candle {
	out := make([]market.Candle, 0, len(sorted))
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			continue
		}
		out = append(out, c)
	}
	return out
}
