package engine

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"klinehub/internal/export"
	"klinehub/internal/history"
	"klinehub/internal/logger"
	"klinehub/internal/market"
)

// Warmup 并发回填每个 (symbol, timeframe) 的最近 n 根 K 线并写入存储与缓存。
// 单个序列失败只记录在任务表里，不影响其它序列。
func (e *Engine) Warmup(ctx context.Context, symbols []string, tfs []market.Timeframe, n int) []history.Job {
	if n <= 0 || len(symbols) == 0 || len(tfs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.App.WarmupConcurrency, 1))
	ids := make([]string, 0, len(symbols)*len(tfs))
	for _, sym := range symbols {
		for _, tf := range tfs {
			job := e.state.Jobs.Create(history.JobParams{Symbol: sym, Timeframe: tf, Bars: n})
			ids = append(ids, job.ID)
			sym, tf := sym, tf
			g.Go(func() error {
				e.backfill(gctx, job.ID, sym, tf, n)
				return nil
			})
		}
	}
	_ = g.Wait()

	out := make([]history.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := e.state.Jobs.Get(id); ok {
			out = append(out, j)
		}
	}
	logger.Infof("[engine] 回填完成\n%s", RenderJobs(out))
	return out
}

func (e *Engine) backfill(ctx context.Context, jobID, symbol string, tf market.Timeframe, n int) {
	e.state.Jobs.MarkRunning(jobID)
	res, err := e.fetcher.Fetch(ctx, symbol, tf, n)
	e.state.Jobs.Finish(jobID, res, err)
	if len(res.Bars) == 0 {
		logger.Warnf("[engine] 回填 %s@%s 无数据: %v", symbol, tf, err)
		return
	}
	seeded := e.bars.Seed(symbol, tf, res.Bars, false)
	if seeded.Rejected {
		logger.Warnf("[engine] 回填 %s@%s 种子被拒绝", symbol, tf)
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, symbol, tf, res.Bars); err != nil {
			logger.Warnf("[engine] 回填 %s@%s 写缓存失败: %v", symbol, tf, err)
		}
	}
}

// ExportSnapshots 把内存中的每条序列写成 parquet 文件，返回写出的文件数。
func (e *Engine) ExportSnapshots(dir string) int {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warnf("[engine] 创建导出目录失败 %s: %v", dir, err)
		return 0
	}
	written := 0
	for _, k := range e.bars.Keys() {
		bars := e.bars.Read(k.Symbol, k.Timeframe, e.bars.Count(k.Symbol, k.Timeframe))
		path, err := export.WriteParquet(dir, k, bars)
		if err != nil {
			logger.Warnf("[engine] 导出 %s 失败: %v", k, err)
			continue
		}
		if path != "" {
			written++
		}
	}
	logger.Infof("[engine] 已导出 %d 条序列到 %s", written, dir)
	return written
}
