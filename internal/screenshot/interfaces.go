package screenshot

import (
	"context"
	"io"
	"time"
)

// AccountStore persists accounts, quota periods, and lockout state.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountByKeyHash(ctx context.Context, keyHash string) (Account, error)

	// GetQuotaPeriod returns the period covering at, if one exists.
	GetQuotaPeriod(ctx context.Context, accountID string, at time.Time) (QuotaPeriod, bool, error)
	CreateQuotaPeriod(ctx context.Context, period QuotaPeriod) error
	// IncrementQuota bumps requestsMade by one; the store guarantees the
	// increment is atomic per row.
	IncrementQuota(ctx context.Context, accountID string, at time.Time) error

	// SetLockout writes the failed-attempt counter and lock expiry.
	// A nil expiry clears the lock.
	SetLockout(ctx context.Context, accountID string, failedAttempts int, lockExpiry *time.Time) error
}

// SubscriptionStore reads webhook subscriptions and records delivery
// outcomes.
type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context, accountID string) ([]Subscription, error)
	TouchLastTriggered(ctx context.Context, subscriptionID string, at time.Time) error
}

// AuditSink records operator-facing audit events.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// BlobStore writes captured image artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher mirrors pipeline completion events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for jobs and records.
type IDGenerator interface {
	NewID() (string, error)
}
