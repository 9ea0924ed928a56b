package history

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"klinehub/internal/market"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
	JobStatusPartial = "partial"
)

// JobParams 描述一次回填请求。
type JobParams struct {
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Bars      int              `json:"bars"`
}

// Job 跟踪一次回填的进度与结果。
type Job struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Params    JobParams  `json:"params"`
	Fetched   int        `json:"fetched"`
	Pages     int        `json:"pages"`
	Stop      StopReason `json:"stop,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Message   string     `json:"message,omitempty"`
	Missing   []Gap      `json:"missing,omitempty"`
}

func (j *Job) copy() Job {
	if j == nil {
		return Job{}
	}
	out := *j
	out.Missing = append([]Gap(nil), j.Missing...)
	return out
}

// Jobs 是内存中的任务表，并发安全。
type Jobs struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Job), now: time.Now}
}

func (t *Jobs) Create(p JobParams) Job {
	now := t.now()
	j := &Job{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    p,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.jobs[j.ID] = j
	t.mu.Unlock()
	return j.copy()
}

func (t *Jobs) MarkRunning(id string) {
	t.update(id, func(j *Job) { j.Status = JobStatusRunning })
}

// Finish 按结果设置状态：出错且一根没拿到为 failed，出错或有缺口为 partial。
func (t *Jobs) Finish(id string, res Result, err error) {
	t.update(id, func(j *Job) {
		j.Fetched = len(res.Bars)
		j.Pages = res.Pages
		j.Stop = res.Stop
		j.Missing = res.Report.Gaps
		switch {
		case err != nil && len(res.Bars) == 0:
			j.Status = JobStatusFailed
			j.Message = err.Error()
		case err != nil || res.Err != nil:
			j.Status = JobStatusPartial
			if err == nil {
				err = res.Err
			}
			j.Message = err.Error()
		case len(res.Report.Gaps) > 0 || len(res.Bars) < j.Params.Bars:
			j.Status = JobStatusPartial
		default:
			j.Status = JobStatusDone
		}
	})
}

func (t *Jobs) update(id string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return
	}
	fn(j)
	j.UpdatedAt = t.now()
}

func (t *Jobs) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.copy(), true
}

// List 按开始时间升序返回。
func (t *Jobs) List() []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.copy())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}
