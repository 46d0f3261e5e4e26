package api

import (
	"sync"

	"github.com/crstnmac/browser-pool-sub001/internal/jobs"
)

// trackerCapacity bounds the in-memory job status map; the oldest entry
// is evicted first.
const trackerCapacity = 4096

// JobStatus is the API-facing view of one tracked job.
type JobStatus struct {
	ID       string         `json:"id"`
	Queue    jobs.QueueName `json:"queue"`
	Status   jobs.Status    `json:"status"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

// JobTracker mirrors job lifecycle events into a bounded map so the API
// can answer status queries without a broker round trip. Completed jobs
// are purged from the broker, so this is the only record of them.
type JobTracker struct {
	mu    sync.Mutex
	byID  map[string]JobStatus
	order []string
}

// NewJobTracker builds an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{byID: make(map[string]JobStatus)}
}

// Track registers a freshly enqueued job.
func (t *JobTracker) Track(job jobs.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[job.ID]; !exists {
		t.order = append(t.order, job.ID)
		if len(t.order) > trackerCapacity {
			delete(t.byID, t.order[0])
			t.order = t.order[1:]
		}
	}
	t.byID[job.ID] = JobStatus{
		ID:       job.ID,
		Queue:    job.Queue,
		Status:   job.Status,
		Attempts: job.Attempts,
	}
}

// Observe applies one lifecycle event from the manager's event stream.
// Events for evicted or never-tracked jobs are dropped.
func (t *JobTracker) Observe(evt jobs.JobEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.byID[evt.JobID]
	if !ok {
		return
	}
	status.Status = evt.Status
	status.Attempts = evt.Attempts
	status.Error = evt.Err
	t.byID[evt.JobID] = status
}

// Get returns the tracked status for a job ID.
func (t *JobTracker) Get(id string) (JobStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.byID[id]
	return status, ok
}
