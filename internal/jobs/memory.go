package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker for development and tests. Delay
// handling is timer-based, so MoveDue is a no-op.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   map[QueueName]chan Job
	failed  map[QueueName][]Job
	timers  []*time.Timer
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewMemoryBroker constructs a broker with the given per-queue buffer.
func NewMemoryBroker(depth int) *MemoryBroker {
	if depth <= 0 {
		depth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBroker{
		ready:   make(map[QueueName]chan Job),
		failed:  make(map[QueueName][]Job),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, q := range Queues {
		b.ready[q] = make(chan Job, depth)
	}
	return b
}

func (b *MemoryBroker) queueChan(q QueueName) (chan Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory broker closed")
	}
	ch, ok := b.ready[q]
	if !ok {
		ch = make(chan Job, 256)
		b.ready[q] = ch
	}
	return ch, nil
}

// Enqueue pushes a job, or returns if the context ends first.
func (b *MemoryBroker) Enqueue(ctx context.Context, job Job) error {
	ch, err := b.queueChan(job.Queue)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case ch <- job:
		return nil
	}
}

// EnqueueDelayed schedules the job with a timer.
func (b *MemoryBroker) EnqueueDelayed(_ context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(b.baseCtx, job)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory broker closed")
	}
	timer := time.AfterFunc(delay, func() {
		_ = b.Enqueue(b.baseCtx, job)
	})
	b.timers = append(b.timers, timer)
	return nil
}

// Dequeue pops the next job, respecting context cancellation.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue QueueName) (Job, error) {
	ch, err := b.queueChan(queue)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-ctx.Done():
		return Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job := <-ch:
		return job, nil
	}
}

// MoveDue is a no-op; delayed jobs promote themselves via timers.
func (b *MemoryBroker) MoveDue(_ context.Context, _ QueueName) error { return nil }

// RecordFailed retains the terminal failure in memory.
func (b *MemoryBroker) RecordFailed(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed[job.Queue] = append(b.failed[job.Queue], job)
	return nil
}

// FailedJobs returns a copy of the retained failures for a queue.
func (b *MemoryBroker) FailedJobs(_ context.Context, queue QueueName) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, len(b.failed[queue]))
	copy(out, b.failed[queue])
	return out, nil
}

// Ping always succeeds for the in-process broker.
func (b *MemoryBroker) Ping(_ context.Context) error { return nil }

// Close stops pending delay timers and rejects further operations.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	for _, timer := range b.timers {
		timer.Stop()
	}
	return nil
}
