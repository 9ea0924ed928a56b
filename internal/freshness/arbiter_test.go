package freshness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinehub/internal/history"
	"klinehub/internal/market"
	"klinehub/internal/store"
)

const minute = int64(60_000)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// bars 生成以 newest 为最后一根 OpenTime 的 n 根已收盘 1m K 线。
func bars(n int, newest int64) []market.Candle {
	out := make([]market.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		ot := newest - int64(i)*minute
		out = append(out, market.Candle{OpenTime: ot, CloseTime: ot + minute - 1, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 1, Closed: true})
	}
	return out
}

type fakeFetcher struct {
	calls atomic.Int32
	lastN atomic.Int32
	fn    func(n int) ([]market.Candle, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, symbol string, tf market.Timeframe, n int) (history.Result, error) {
	f.calls.Add(1)
	f.lastN.Store(int32(n))
	bs, err := f.fn(n)
	return history.Result{Symbol: symbol, Timeframe: tf, Bars: bs}, err
}

type fakeCache struct {
	mu   sync.Mutex
	data map[market.SeriesKey][]market.Candle
	puts int
}

func (c *fakeCache) Put(_ context.Context, symbol string, tf market.Timeframe, ks []market.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[market.SeriesKey][]market.Candle)
	}
	c.data[market.SeriesKey{Symbol: symbol, Timeframe: tf}] = append([]market.Candle(nil), ks...)
	c.puts++
	return nil
}

func (c *fakeCache) Recent(_ context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bs := c.data[market.SeriesKey{Symbol: symbol, Timeframe: tf}]
	if len(bs) > limit {
		bs = bs[len(bs)-limit:]
	}
	return append([]market.Candle(nil), bs...), nil
}

// inertStore 忽略 Seed，用于观察拉取缓存层。
type inertStore struct{}

func (inertStore) Read(string, market.Timeframe, int) []market.Candle { return nil }
func (inertStore) Count(string, market.Timeframe) int                 { return 0 }
func (inertStore) Seed(string, market.Timeframe, []market.Candle, bool) store.SeedResult {
	return store.SeedResult{Rejected: true}
}

func setup(t *testing.T) (*clock, int64) {
	t.Helper()
	base := int64(1_000_000) * minute
	return &clock{now: time.UnixMilli(base)}, base
}

func TestFreshnessBoundary(t *testing.T) {
	cases := []struct {
		name      string
		age       time.Duration
		wantFetch bool
	}{
		{name: "2m59s is fresh", age: 2*time.Minute + 59*time.Second, wantFetch: false},
		{name: "3m01s triggers refresh", age: 3*time.Minute + time.Second, wantFetch: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk, base := setup(t)
			ms := store.NewMemoryKlineStore(store.Options{})
			ms.Seed("BTCUSDT", market.TF1m, bars(50, base), true)
			clk.Advance(tc.age)
			f := &fakeFetcher{fn: func(n int) ([]market.Candle, error) { return bars(n, base+2*minute), nil }}
			a := New(ms, nil, f, Config{Now: clk.Now})

			resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 50)
			require.NoError(t, err)
			require.Len(t, resp.Bars, 50)
			assert.False(t, resp.Stale)
			if tc.wantFetch {
				assert.Equal(t, SourceFetch, resp.Source)
				assert.Equal(t, int32(1), f.calls.Load())
				assert.Equal(t, int32(DefaultDecisionWindow), f.lastN.Load())
				assert.Equal(t, base+2*minute, resp.Bars[49].OpenTime)
				assert.Equal(t, DefaultDecisionWindow, ms.Count("BTCUSDT", market.TF1m))
			} else {
				assert.Equal(t, SourceStore, resp.Source)
				assert.Zero(t, f.calls.Load())
			}
		})
	}
}

func TestShortStoreTriggersFetch(t *testing.T) {
	clk, base := setup(t)
	ms := store.NewMemoryKlineStore(store.Options{})
	ms.Seed("BTCUSDT", market.TF1m, bars(10, base-minute), true)
	cache := &fakeCache{}
	f := &fakeFetcher{fn: func(n int) ([]market.Candle, error) { return bars(n, base-minute), nil }}
	a := New(ms, cache, f, Config{Now: clk.Now, DecisionWindow: 100})

	resp, err := a.Read(context.Background(), "btcusdt", market.TF1m, 300)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, resp.Source)
	assert.Len(t, resp.Bars, 300)
	assert.Equal(t, int32(300), f.lastN.Load())
	assert.Equal(t, 1, cache.puts)

	resp, err = a.Read(context.Background(), "BTCUSDT", market.TF1m, 300)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, resp.Source)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCacheLayerServesWhenStoreCold(t *testing.T) {
	clk, base := setup(t)
	cache := &fakeCache{}
	require.NoError(t, cache.Put(context.Background(), "BTCUSDT", market.TF1m, bars(20, base-minute)))
	f := &fakeFetcher{fn: func(int) ([]market.Candle, error) { return nil, errors.New("unreachable") }}
	a := New(store.NewMemoryKlineStore(store.Options{}), cache, f, Config{Now: clk.Now})

	resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 20)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.False(t, resp.Stale)
	assert.Zero(t, f.calls.Load())
}

func TestFetchCacheTTL(t *testing.T) {
	clk, base := setup(t)
	f := &fakeFetcher{fn: func(n int) ([]market.Candle, error) { return bars(n, base), nil }}
	a := New(inertStore{}, nil, f, Config{Now: clk.Now})

	_, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)

	clk.Advance(29 * time.Second)
	resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)
	assert.Equal(t, SourceFetchCache, resp.Source)
	assert.Equal(t, int32(1), f.calls.Load())

	clk.Advance(2 * time.Second)
	resp, err = a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, resp.Source)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestFallbacksOnFetchFailure(t *testing.T) {
	clk, base := setup(t)
	failure := &market.FetchError{Kind: market.ErrTransient, Status: 503, Err: errors.New("down")}
	f := &fakeFetcher{fn: func(int) ([]market.Candle, error) { return nil, failure }}

	ms := store.NewMemoryKlineStore(store.Options{})
	ms.Seed("BTCUSDT", market.TF1m, bars(5, base-10*minute), true)
	a := New(ms, nil, f, Config{Now: clk.Now})
	resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 50)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, resp.Source)
	assert.True(t, resp.Stale)
	assert.Len(t, resp.Bars, 5)

	cache := &fakeCache{}
	require.NoError(t, cache.Put(context.Background(), "ETHUSDT", market.TF1m, bars(3, base-time.Hour.Milliseconds())))
	a = New(store.NewMemoryKlineStore(store.Options{}), cache, f, Config{Now: clk.Now})
	resp, err = a.Read(context.Background(), "ETHUSDT", market.TF1m, 50)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.True(t, resp.Stale)

	_, err = a.Read(context.Background(), "SOLUSDT", market.TF1m, 50)
	assert.ErrorIs(t, err, market.ErrNoData)
}

func TestStaleFetchCacheIsLastResort(t *testing.T) {
	clk, base := setup(t)
	var fail atomic.Bool
	f := &fakeFetcher{fn: func(n int) ([]market.Candle, error) {
		if fail.Load() {
			return nil, errors.New("offline")
		}
		return bars(n, base), nil
	}}
	a := New(inertStore{}, nil, f, Config{Now: clk.Now})
	_, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)

	fail.Store(true)
	clk.Advance(time.Hour)
	resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)
	assert.Equal(t, SourceFetchCache, resp.Source)
	assert.True(t, resp.Stale)
	assert.Len(t, resp.Bars, 10)
}

func TestConcurrentReadsCollapseFetch(t *testing.T) {
	clk, base := setup(t)
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(n int) ([]market.Candle, error) {
		<-release
		return bars(n, base), nil
	}}
	a := New(store.NewMemoryKlineStore(store.Options{}), nil, f, Config{Now: clk.Now})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 100)
			if err == nil && len(resp.Bars) != 100 {
				err = errors.New("short response")
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

// blockingFetcher 阻塞到 release 或 ctx 结束。
type blockingFetcher struct {
	release chan struct{}
	newest  int64
	ctxErr  atomic.Value
}

func (f *blockingFetcher) Fetch(ctx context.Context, symbol string, tf market.Timeframe, n int) (history.Result, error) {
	select {
	case <-ctx.Done():
		f.ctxErr.Store(ctx.Err())
		return history.Result{}, ctx.Err()
	case <-f.release:
		return history.Result{Symbol: symbol, Timeframe: tf, Bars: bars(n, f.newest)}, nil
	}
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	clk, base := setup(t)
	f := &blockingFetcher{release: make(chan struct{}), newest: base}
	a := New(store.NewMemoryKlineStore(store.Options{}), nil, f, Config{Now: clk.Now})

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Read(first, "BTCUSDT", market.TF1m, 100)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan Response, 1)
	go func() {
		resp, err := a.Read(context.Background(), "BTCUSDT", market.TF1m, 100)
		assert.NoError(t, err)
		second <- resp
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(f.release)
	select {
	case resp := <-second:
		assert.Equal(t, SourceFetch, resp.Source)
		assert.Len(t, resp.Bars, 100)
	case <-time.After(time.Second):
		t.Fatal("shared fetch never completed")
	}
	assert.Nil(t, f.ctxErr.Load())
}

func TestReadRejectsBadInput(t *testing.T) {
	a := New(inertStore{}, nil, nil, Config{})
	_, err := a.Read(context.Background(), "", market.TF1m, 10)
	assert.ErrorIs(t, err, market.ErrMalformed)
	_, err = a.Read(context.Background(), "BTCUSDT", market.TF1m, 0)
	assert.ErrorIs(t, err, market.ErrMalformed)
	_, err = a.Read(context.Background(), "BTCUSDT", market.TF1m, 10)
	assert.ErrorIs(t, err, market.ErrNoData)
}

func TestPriceTableMaxAge(t *testing.T) {
	clk, base := setup(t)
	pt := NewPriceTable(10*time.Second, clk.Now)
	pt.Observe(market.TickerEvent{Symbol: "btcusdt", Price: 100, EventTime: base})
	pt.Observe(market.TickerEvent{Symbol: "BTCUSDT", Price: 90, EventTime: base - 1000})

	p, ok := pt.Fresh("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, p)

	clk.Advance(11 * time.Second)
	_, ok = pt.Fresh("BTCUSDT")
	assert.False(t, ok)
	assert.Equal(t, map[string]float64{"BTCUSDT": 100}, pt.Snapshot())
}
