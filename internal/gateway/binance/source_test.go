package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinehub/internal/market"
)

func newTestSource(t *testing.T, h http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		RESTBaseURL:       srv.URL,
		RateLimitPerMin:   60_000,
		RateLimitCooldown: 10 * time.Millisecond,
		HTTPTimeout:       2 * time.Second,
	})
}

func TestFetchChunkParsesRows(t *testing.T) {
	var gotQuery string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[
			[60000,"100.5","101","99.5","100.8","12.5",119999,"1250.0",42,"7.5","750.0","0"],
			[120000,"100.8","102","100","101.9","3",179999,"300",5,"1","100","0"],
			["bad"]
		]`))
	})

	bars, err := src.FetchChunk(context.Background(), "btcusdt", market.TF1m, 2000, 179_999)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "endTime=179999&interval=1m&limit=1500&symbol=BTCUSDT", gotQuery)

	b := bars[0]
	assert.Equal(t, int64(60_000), b.OpenTime)
	assert.Equal(t, int64(119_999), b.CloseTime)
	assert.Equal(t, 100.5, b.Open)
	assert.Equal(t, 101.0, b.High)
	assert.Equal(t, 99.5, b.Low)
	assert.Equal(t, 100.8, b.Close)
	assert.Equal(t, 12.5, b.Volume)
	assert.Equal(t, int64(42), b.Trades)
	assert.Equal(t, 7.5, b.TakerBuyVolume)
	assert.Equal(t, 5.0, b.TakerSellVolume)
}

func TestFetchChunkClassifiesStatus(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		kind      error
		retryable bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, kind: market.ErrRateLimited, retryable: true},
		{name: "ip banned", status: http.StatusTeapot, kind: market.ErrRateLimited, retryable: true},
		{name: "server error", status: http.StatusBadGateway, kind: market.ErrTransient, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, kind: market.ErrRejected, retryable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			})
			_, err := src.FetchChunk(context.Background(), "BTCUSDT", market.TF1m, 10, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.retryable, market.IsRetryable(err))
			var fe *market.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.status, fe.Status)
		})
	}
}

func TestFetchChunkRateLimitHonoursContext(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := src.FetchChunk(ctx, "BTCUSDT", market.TF1m, 10, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchChunkTimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	src := New(Config{RESTBaseURL: srv.URL, HTTPTimeout: 20 * time.Millisecond})

	_, err := src.FetchChunk(context.Background(), "BTCUSDT", market.TF1m, 10, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrTransient)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchChunkMalformedBody(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	})
	_, err := src.FetchChunk(context.Background(), "BTCUSDT", market.TF1m, 10, 0)
	assert.ErrorIs(t, err, market.ErrMalformed)
	assert.False(t, market.IsRetryable(err))

	_, err = src.FetchChunk(context.Background(), "BTCUSDT", market.Timeframe("7m"), 10, 0)
	assert.ErrorIs(t, err, market.ErrMalformed)
}

func TestFetchChunkSpacesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	src := New(Config{RESTBaseURL: srv.URL, RateLimitPerMin: 600, HTTPTimeout: time.Second})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := src.FetchChunk(context.Background(), "BTCUSDT", market.TF1m, 10, 0)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.FetchChunk(ctx, "BTCUSDT", market.TF1m, 10, 0)
	assert.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())
}
