package history

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinehub/internal/market"
)

func TestJobsLifecycle(t *testing.T) {
	jobs := NewJobs()
	tick := time.UnixMilli(0)
	jobs.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	done := jobs.Create(JobParams{Symbol: "BTCUSDT", Timeframe: market.TF1m, Bars: 2})
	partial := jobs.Create(JobParams{Symbol: "ETHUSDT", Timeframe: market.TF1m, Bars: 5})
	failed := jobs.Create(JobParams{Symbol: "SOLUSDT", Timeframe: market.TF1m, Bars: 5})
	assert.Equal(t, JobStatusPending, done.Status)
	assert.NotEqual(t, done.ID, partial.ID)

	jobs.MarkRunning(done.ID)
	got, ok := jobs.Get(done.ID)
	require.True(t, ok)
	assert.Equal(t, JobStatusRunning, got.Status)

	two := []market.Candle{{OpenTime: minute}, {OpenTime: 2 * minute}}
	jobs.Finish(done.ID, Result{Bars: two, Pages: 1, Stop: StopComplete}, nil)
	jobs.Finish(partial.ID, Result{Bars: two, Pages: 1, Stop: StopShortChunk}, nil)
	jobs.Finish(failed.ID, Result{Stop: StopError}, errors.New("boom"))

	got, _ = jobs.Get(done.ID)
	assert.Equal(t, JobStatusDone, got.Status)
	assert.Equal(t, 2, got.Fetched)
	got, _ = jobs.Get(partial.ID)
	assert.Equal(t, JobStatusPartial, got.Status)
	got, _ = jobs.Get(failed.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Message)

	list := jobs.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{done.ID, partial.ID, failed.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, ok = jobs.Get("missing")
	assert.False(t, ok)
	jobs.MarkRunning("missing")
}
