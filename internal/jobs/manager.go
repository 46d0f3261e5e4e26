package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ErrDispatchDisabled is returned by Enqueue when the broker was
// unreachable at startup and the subsystem degraded to the disabled
// state.
var ErrDispatchDisabled = errors.New("job dispatch disabled: broker unavailable")

// ErrUnknownQueue is returned for enqueues to a queue with no registered
// handler.
var ErrUnknownQueue = errors.New("unknown queue")

// Handler performs one attempt of a job's effect. Returning an error
// signals failure and drives the retry policy; a handler must never
// swallow a delivery failure, since at-least-once semantics depend on the
// error surfacing here.
type Handler func(ctx context.Context, job Job) error

// QueueConfig sets a queue's worker bound and default retry policy.
type QueueConfig struct {
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
}

type queueRuntime struct {
	name    QueueName
	cfg     QueueConfig
	handler Handler
	sem     *semaphore.Weighted
}

// Manager owns the per-queue worker loops. It is either active, bound to
// a reachable broker, or disabled, in which case Enqueue is a warning
// no-op and Run returns immediately; the host process never crashes for
// lack of a broker.
type Manager struct {
	broker   Broker
	logger   *zap.Logger
	clock    screenshot.Clock
	idGen    screenshot.IDGenerator
	disabled bool

	mu     sync.Mutex
	queues map[QueueName]*queueRuntime

	events chan JobEvent
	wg     sync.WaitGroup

	warnOnce sync.Once
}

// NewManager builds an active manager bound to the broker.
func NewManager(broker Broker, clock screenshot.Clock, idGen screenshot.IDGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		broker: broker,
		logger: logger,
		clock:  clock,
		idGen:  idGen,
		queues: make(map[QueueName]*queueRuntime),
		events: make(chan JobEvent, 256),
	}
}

// NewDisabledManager builds the degraded variant used when the broker is
// unreachable at startup.
func NewDisabledManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		disabled: true,
		queues:   make(map[QueueName]*queueRuntime),
		events:   make(chan JobEvent, 1),
	}
}

// Disabled reports whether the manager is the degraded no-op variant.
func (m *Manager) Disabled() bool { return m.disabled }

// Register binds a handler and worker bound to a queue. It must be called
// before Run.
func (m *Manager) Register(queue QueueName, cfg QueueConfig, handler Handler) {
	if m.disabled {
		return
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff.Delay <= 0 {
		cfg.Backoff = Exponential(time.Second)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = &queueRuntime{
		name:    queue,
		cfg:     cfg,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// EnqueueOptions overrides the queue's default retry policy per job.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     *Backoff
}

// Enqueue marshals the payload and admits a job to the queue. In the
// disabled state it warns once and reports ErrDispatchDisabled so callers
// can choose a synchronous fallback.
func (m *Manager) Enqueue(ctx context.Context, queue QueueName, payload any, opts EnqueueOptions) (Job, error) {
	if m.disabled {
		m.warnOnce.Do(func() {
			m.logger.Warn("job dispatch is disabled; enqueues are dropped",
				zap.String("queue", string(queue)))
		})
		return Job{}, ErrDispatchDisabled
	}
	m.mu.Lock()
	rt, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	id, err := m.idGen.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := Job{
		ID:          id,
		Queue:       queue,
		Payload:     data,
		MaxAttempts: rt.cfg.MaxAttempts,
		Backoff:     rt.cfg.Backoff,
		Status:      StatusWaiting,
		CreatedAt:   m.clock.Now(),
	}
	if opts.MaxAttempts > 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}
	if err := m.broker.Enqueue(ctx, job); err != nil {
		return Job{}, fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return job, nil
}

// Events exposes the completion/failure stream. It is consumed for
// logging and metrics only.
func (m *Manager) Events() <-chan JobEvent { return m.events }

// Run starts the worker loops and the delayed-job mover, then blocks
// until the context finishes and in-flight handlers drain. The event
// stream is closed on return.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.events)
	if m.disabled {
		<-ctx.Done()
		return
	}

	m.mu.Lock()
	runtimes := make([]*queueRuntime, 0, len(m.queues))
	for _, rt := range m.queues {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.moveDueLoop(ctx, runtimes)

	for _, rt := range runtimes {
		m.wg.Add(1)
		go m.consume(ctx, rt)
	}
	m.wg.Wait()
}

// consume is one queue's dequeue loop. Concurrency is bounded by the
// queue's semaphore; a slot is held for the full attempt.
func (m *Manager) consume(ctx context.Context, rt *queueRuntime) {
	defer m.wg.Done()
	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		job, err := m.broker.Dequeue(ctx, rt.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("dequeue failed",
				zap.String("queue", string(rt.name)), zap.Error(err))
			continue
		}
		if err := rt.sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a job in hand: push it back so it is
			// not lost.
			if requeueErr := m.broker.Enqueue(context.Background(), job); requeueErr != nil {
				m.logger.Error("requeue on shutdown failed",
					zap.String("job_id", job.ID), zap.Error(requeueErr))
			}
			return
		}
		inflight.Add(1)
		go func(job Job) {
			defer inflight.Done()
			defer rt.sem.Release(1)
			m.attempt(ctx, rt, job)
		}(job)
	}
}

// attempt runs one handler invocation and applies the retry policy.
func (m *Manager) attempt(ctx context.Context, rt *queueRuntime, job Job) {
	job.Status = StatusActive
	job.Attempts++

	err := rt.handler(ctx, job)
	if err == nil {
		// Completed jobs are purged immediately; only the event remains.
		job.Status = StatusCompleted
		m.emit(JobEvent{Queue: rt.name, JobID: job.ID, Status: StatusCompleted, Attempts: job.Attempts})
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		if recordErr := m.broker.RecordFailed(context.WithoutCancel(ctx), job); recordErr != nil {
			m.logger.Error("retain failed job",
				zap.String("job_id", job.ID), zap.Error(recordErr))
		}
		m.emit(JobEvent{Queue: rt.name, JobID: job.ID, Status: StatusFailed, Attempts: job.Attempts, Err: job.LastError})
		return
	}

	job.Status = StatusWaiting
	delay := job.Backoff.Next(job.Attempts)
	if requeueErr := m.broker.EnqueueDelayed(context.WithoutCancel(ctx), job, delay); requeueErr != nil {
		m.logger.Error("requeue for retry failed",
			zap.String("job_id", job.ID), zap.Error(requeueErr))
		// A job that cannot be requeued is terminal; retain it like any
		// other failure so operators can inspect it.
		job.Status = StatusFailed
		if recordErr := m.broker.RecordFailed(context.WithoutCancel(ctx), job); recordErr != nil {
			m.logger.Error("retain failed job",
				zap.String("job_id", job.ID), zap.Error(recordErr))
		}
		m.emit(JobEvent{Queue: rt.name, JobID: job.ID, Status: StatusFailed, Attempts: job.Attempts, Err: requeueErr.Error()})
		return
	}
	m.emit(JobEvent{Queue: rt.name, JobID: job.ID, Status: StatusWaiting, Attempts: job.Attempts, Err: job.LastError})
}

func (m *Manager) emit(evt JobEvent) {
	select {
	case m.events <- evt:
	default:
		// Event stream is observability only; dropping beats blocking a
		// worker.
	}
}

func (m *Manager) moveDueLoop(ctx context.Context, runtimes []*queueRuntime) {
	defer m.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rt := range runtimes {
				if err := m.broker.MoveDue(ctx, rt.name); err != nil && ctx.Err() == nil {
					m.logger.Warn("promote delayed jobs failed",
						zap.String("queue", string(rt.name)), zap.Error(err))
				}
			}
		}
	}
}

// LogEvents consumes the event stream until it closes, recording
// outcomes. Run it in its own goroutine.
func LogEvents(events <-chan JobEvent, logger *zap.Logger, observe func(JobEvent)) {
	for evt := range events {
		if observe != nil {
			observe(evt)
		}
		switch evt.Status {
		case StatusCompleted:
			logger.Debug("job completed",
				zap.String("queue", string(evt.Queue)),
				zap.String("job_id", evt.JobID),
				zap.Int("attempts", evt.Attempts))
		case StatusFailed:
			logger.Error("job failed terminally",
				zap.String("queue", string(evt.Queue)),
				zap.String("job_id", evt.JobID),
				zap.Int("attempts", evt.Attempts),
				zap.String("error", evt.Err))
		case StatusWaiting:
			logger.Warn("job attempt failed, retrying",
				zap.String("queue", string(evt.Queue)),
				zap.String("job_id", evt.JobID),
				zap.Int("attempts", evt.Attempts),
				zap.String("error", evt.Err))
		}
	}
}
