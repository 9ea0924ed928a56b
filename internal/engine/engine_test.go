package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinehub/internal/config"
	"klinehub/internal/export"
	"klinehub/internal/gateway/database"
	"klinehub/internal/history"
	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

const (
	minute = int64(60_000)
	base   = int64(1700000040000)
)

type fixedSource struct {
	mu    sync.Mutex
	calls int
}

// FetchChunk 返回 base 之前 4 根已收盘和 base 处 1 根形成中的 K 线；翻页请求返回空。
func (s *fixedSource) FetchChunk(_ context.Context, symbol string, tf market.Timeframe, _ int, endTime int64) ([]market.Candle, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if endTime > 0 {
		return nil, nil
	}
	out := make([]market.Candle, 0, 5)
	for i := int64(4); i >= 0; i-- {
		open := tf.Align(base) - i*tf.Millis()
		out = append(out, market.Candle{OpenTime: open, CloseTime: open + tf.Millis() - 1, Open: 100, High: 101, Low: 99, Close: 100, Volume: 5})
	}
	return out, nil
}

type scriptConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptConn) Subscribe([]string) error { return nil }

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return nil, &market.CloseError{Code: 1000, Reason: "local close", Err: errors.New("closed")}
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct{ conns chan *scriptConn }

func (d *scriptDialer) Dial(ctx context.Context) (market.StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &scriptConn{msgs: make(chan []byte, 8), closed: make(chan struct{})}
	d.conns <- c
	return c, nil
}

type denyFilter struct{ deny string }

func (f denyFilter) Filter(_ context.Context, symbols []string) ([]string, []string, error) {
	var ok, rejected []string
	for _, s := range symbols {
		if s == f.deny {
			rejected = append(rejected, s)
			continue
		}
		ok = append(ok, s)
	}
	return ok, rejected, nil
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klinehub.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestEngineRunLifecycle(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "klines.db")
	exportDir := filepath.Join(dir, "snapshots")
	cfg := loadConfig(t, fmt.Sprintf(`
[app]
symbols = ["BTCUSDT", "FAKEUSDT"]
warmup_bars = 5

[stream]
kline_timeframes = ["1m"]
disable_ticker = true
disable_trades = true
reconnect_ms = 10

[cache]
driver = "sqlite"
dsn = %q

[export]
dir = %q
`, dbPath, exportDir))

	src := &fixedSource{}
	dialer := &scriptDialer{conns: make(chan *scriptConn, 4)}
	now := func() time.Time { return time.UnixMilli(base + 30_000) }
	eng, err := New(context.Background(), cfg, Deps{Source: src, Dialer: dialer, Filter: denyFilter{deny: "FAKEUSDT"}, Now: now})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	var conn *scriptConn
	select {
	case conn = <-dialer.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("kline stream not dialed")
	}
	assert.Equal(t, []string{"BTCUSDT"}, eng.Symbols())
	require.Equal(t, 5, eng.Store().Count("BTCUSDT", market.TF1m))
	last, _ := eng.Store().Last("BTCUSDT", market.TF1m)
	assert.False(t, last.Closed)

	jobs := eng.State().Jobs.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, history.JobStatusDone, jobs[0].Status)

	conn.msgs <- []byte(fmt.Sprintf(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","f":1,"L":4,"o":"100","c":"101.5","h":"102","l":"99","v":"6","n":4,"x":true,"q":"606","V":"3","Q":"303","B":"0"}}}`, base, base+minute-1))
	require.Eventually(t, func() bool {
		l, ok := eng.Store().Last("BTCUSDT", market.TF1m)
		return ok && l.Closed && l.Close == 101.5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), eng.State().Registry.Count(telemetry.CounterClosesEmitted))

	resp, err := eng.Arbiter().Read(ctx, "BTCUSDT", market.TF1m, 3)
	require.NoError(t, err)
	assert.Len(t, resp.Bars, 3)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	snapshot, err := export.ReadParquet(filepath.Join(exportDir, "BTCUSDT_1m.parquet"))
	require.NoError(t, err)
	require.Len(t, snapshot, 5)
	assert.True(t, snapshot[4].Closed)

	cache, err := database.Open(context.Background(), database.DriverSQLite, dbPath)
	require.NoError(t, err)
	defer cache.Close()
	rows, err := cache.Recent(context.Background(), "BTCUSDT", market.TF1m, 10)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.True(t, rows[4].Closed)
	assert.Equal(t, 101.5, rows[4].Close)
}

func TestEngineNoTradableSymbols(t *testing.T) {
	cfg := loadConfig(t, "[app]\nsymbols = [\"FAKEUSDT\"]\n")
	eng, err := New(context.Background(), cfg, Deps{Source: &fixedSource{}, Dialer: &scriptDialer{conns: make(chan *scriptConn, 1)}, Filter: denyFilter{deny: "FAKEUSDT"}})
	require.NoError(t, err)
	err = eng.Run(context.Background())
	assert.ErrorContains(t, err, "no tradable symbols")
}

func TestWarmupRecordsJobsPerSeries(t *testing.T) {
	cfg := loadConfig(t, "[app]\nsymbols = [\"BTCUSDT\"]\nwarmup_concurrency = 2\n")
	src := &fixedSource{}
	eng, err := New(context.Background(), cfg, Deps{Source: src, Dialer: &scriptDialer{conns: make(chan *scriptConn, 1)}, Now: func() time.Time { return time.UnixMilli(base + 1000) }})
	require.NoError(t, err)

	jobs := eng.Warmup(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, []market.Timeframe{market.TF1m, market.TF5m}, 5)
	require.Len(t, jobs, 4)
	for _, j := range jobs {
		assert.Equal(t, history.JobStatusDone, j.Status, j.Params)
		assert.Equal(t, 5, j.Fetched)
	}
	assert.Equal(t, 5, eng.Store().Count("ETHUSDT", market.TF5m))
	assert.Contains(t, RenderJobs(jobs), "ETHUSDT")
}

func TestRenderStatus(t *testing.T) {
	reg := telemetry.NewRegistry()
	reg.UpdateBatch("kline-ab12", func(b *telemetry.BatchHealth) {
		b.Kind, b.Streams, b.Connected = "kline", 10, false
		b.LastClose, b.LastCloseCode, b.LastCloseReason = time.UnixMilli(base), 1006, "abnormal"
	})
	reg.Inc(telemetry.CounterParseErrors)
	reg.SetParseError("bad frame")
	out := RenderStatus(reg.Snapshot())
	assert.Contains(t, out, "kline-ab12")
	assert.Contains(t, out, "1006 abnormal")
	assert.Contains(t, out, telemetry.CounterParseErrors)
	assert.Contains(t, out, "last parse error: bad frame")
}
