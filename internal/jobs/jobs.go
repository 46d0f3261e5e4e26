// Package jobs implements the typed retrying queues that drive the
// pipeline's long-running side effects: outbound email, outbound
// webhooks, and screenshot capture.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// QueueName identifies one of the typed queues.
type QueueName string

// The three queues. Worker concurrency differs per queue: screenshot is
// the most expensive effect and runs narrowest, webhook the cheapest and
// runs widest.
const (
	QueueEmail      QueueName = "email"
	QueueWebhook    QueueName = "webhook"
	QueueScreenshot QueueName = "screenshot"
)

// Queues lists every queue the manager runs.
var Queues = []QueueName{QueueEmail, QueueWebhook, QueueScreenshot}

// Status is a job lifecycle state. waiting -> active ->
// {completed | waiting (retry) | failed}; completed and failed are
// terminal.
type Status string

// Job lifecycle states.
const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BackoffKind tags the retry delay strategy.
type BackoffKind string

// Supported backoff kinds.
const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff is a tagged retry-delay descriptor: a fixed delay, or an
// exponential delay doubling per attempt from a base.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Fixed returns a backoff with the same delay for every attempt.
func Fixed(delay time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Delay: delay}
}

// Exponential returns a backoff doubling from base per attempt.
func Exponential(base time.Duration) Backoff {
	return Backoff{Kind: BackoffExponential, Delay: base}
}

// Next returns the delay before the given retry attempt (1-based count of
// attempts already made).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffExponential:
		return b.Delay << (attempt - 1)
	default:
		return b.Delay
	}
}

// Job is one unit of deferred work flowing through a queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       QueueName       `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EmailPayload is the email queue's job body.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// WebhookPayload is the webhook queue's job body: one delivery to one
// subscription.
type WebhookPayload struct {
	SubscriptionID string               `json:"subscription_id"`
	AccountID      string               `json:"account_id"`
	Event          screenshot.EventKind `json:"event"`
	Data           map[string]any       `json:"data"`
	EmittedAt      time.Time            `json:"emitted_at"`
}

// ScreenshotPayload is the screenshot queue's job body.
type ScreenshotPayload struct {
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
	FullPage  bool   `json:"full_page"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// JobEvent is emitted on the manager's event stream when a job reaches a
// terminal state or is re-queued for retry. Consumers use it for logging
// and metrics only, never for control flow.
type JobEvent struct {
	Queue    QueueName
	JobID    string
	Status   Status
	Attempts int
	Err      string
}
