package jobs

import (
	"context"
	"time"
)

// Broker is the durable queue abstraction the manager runs on. Delivery
// is at-least-once: a dequeued job that is never completed may be seen
// again by another consumer, and handlers must tolerate that.
type Broker interface {
	// Enqueue makes the job available for immediate dequeue.
	Enqueue(ctx context.Context, job Job) error
	// EnqueueDelayed holds the job back for the given delay, used for
	// retry backoff.
	EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is available on the queue or the
	// context ends.
	Dequeue(ctx context.Context, queue QueueName) (Job, error)
	// MoveDue promotes delayed jobs whose time has come onto the ready
	// queue. The manager ticks this; brokers without a delay set may
	// no-op.
	MoveDue(ctx context.Context, queue QueueName) error
	// RecordFailed retains a terminally failed job for operator
	// inspection. Completed jobs are purged and never recorded.
	RecordFailed(ctx context.Context, job Job) error
	// FailedJobs lists retained terminal failures for a queue.
	FailedJobs(ctx context.Context, queue QueueName) ([]Job, error)
	// Ping reports broker reachability; used at startup to decide
	// between active and disabled dispatch.
	Ping(ctx context.Context) error
	Close() error
}
