package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"klinehub/internal/market"
)

// RetryConfig 控制单个分页请求的重试。
type RetryConfig struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	out := c
	if out.Attempts <= 0 {
		out.Attempts = 3
	}
	if out.Min <= 0 {
		out.Min = 500 * time.Millisecond
	}
	if out.Max <= 0 {
		out.Max = 8 * time.Second
	}
	if out.Factor <= 1 {
		out.Factor = 2
	}
	return out
}

// Retrier 对可重试错误做指数退避，用尽次数后返回包裹 ErrExhausted 的错误。
type Retrier struct {
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(cfg RetryConfig) *Retrier {
	return &Retrier{cfg: cfg.withDefaults(), sleep: sleepCtx}
}

func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{Min: r.cfg.Min, Max: r.cfg.Max, Factor: r.cfg.Factor, Jitter: r.cfg.Jitter}
	var last error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !market.IsRetryable(err) {
			return err
		}
		if attempt == r.cfg.Attempts {
			break
		}
		if err := r.sleep(ctx, b.Duration()); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", market.ErrExhausted, r.cfg.Attempts, last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
