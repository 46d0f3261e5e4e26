// Package quota enforces per-account monthly usage counters, plan-tier
// request rates, and failed-authentication lockouts.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// Lockout policy: five consecutive failures lock the account for fifteen
// minutes. Expiry is lazy; the next check clears it.
const (
	LockThreshold = 5
	LockDuration  = 15 * time.Minute
)

// Notifier receives lockout events for webhook fan-out.
type Notifier interface {
	Trigger(ctx context.Context, accountID string, kind screenshot.EventKind, data map[string]any)
}

// Enforcer consults and mutates the account store. Check-then-increment
// races are tolerated as best-effort admission; the store's atomic
// per-row increment keeps the counter itself consistent.
type Enforcer struct {
	store  screenshot.AccountStore
	audit  screenshot.AuditSink
	clock  screenshot.Clock
	logger *zap.Logger
	notify Notifier

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds an Enforcer. audit may be nil.
func New(store screenshot.AccountStore, audit screenshot.AuditSink, clock screenshot.Clock, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		store:    store,
		audit:    audit,
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetNotifier installs the webhook fan-out target for lockout events.
// Set after construction; the enforcer and the webhook engine reference
// each other so one of them has to come first.
func (e *Enforcer) SetNotifier(n Notifier) {
	e.notify = n
}

// CurrentPeriod returns the quota period covering now, creating one
// bounded by the calendar month if none exists. There is one active
// period per account at any instant.
func (e *Enforcer) CurrentPeriod(ctx context.Context, account screenshot.Account) (screenshot.QuotaPeriod, error) {
	now := e.clock.Now().UTC()
	period, ok, err := e.store.GetQuotaPeriod(ctx, account.ID, now)
	if err != nil {
		return screenshot.QuotaPeriod{}, fmt.Errorf("load quota period: %w", err)
	}
	if ok {
		return period, nil
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period = screenshot.QuotaPeriod{
		AccountID:     account.ID,
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
		RequestsMade:  0,
		RequestsLimit: screenshot.LimitsFor(account.Plan).MonthlyQuota,
	}
	if err := e.store.CreateQuotaPeriod(ctx, period); err != nil {
		return screenshot.QuotaPeriod{}, fmt.Errorf("create quota period: %w", err)
	}
	return period, nil
}

// HasRemaining reports whether the account still has quota in the
// current period.
func (e *Enforcer) HasRemaining(ctx context.Context, account screenshot.Account) (bool, error) {
	period, err := e.CurrentPeriod(ctx, account)
	if err != nil {
		return false, err
	}
	return period.Remaining() > 0, nil
}

// Increment records one admitted unit of billable work. Call it exactly
// once per admitted unit.
func (e *Enforcer) Increment(ctx context.Context, accountID string) error {
	if err := e.store.IncrementQuota(ctx, accountID, e.clock.Now().UTC()); err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

// AllowRate applies the plan tier's requests-per-minute limit for the
// account. Limiters are in-process; horizontal scale-out multiplies the
// effective rate by instance count, which the plan limits absorb.
func (e *Enforcer) AllowRate(account screenshot.Account) bool {
	limits := screenshot.LimitsFor(account.Plan)
	e.mu.Lock()
	limiter, ok := e.limiters[account.ID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(limits.RequestsPerMinute/60.0), burstFor(limits))
		e.limiters[account.ID] = limiter
	}
	e.mu.Unlock()
	return limiter.Allow()
}

func burstFor(limits screenshot.PlanLimits) int {
	burst := int(limits.RequestsPerMinute / 6)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// CheckLocked reports whether authentication must be refused. A lock
// whose expiry has passed is cleared here, as a side effect of the check
// itself; there is no background sweep.
func (e *Enforcer) CheckLocked(ctx context.Context, account screenshot.Account) (bool, error) {
	if account.LockExpiry == nil {
		return false, nil
	}
	if e.clock.Now().Before(*account.LockExpiry) {
		return true, nil
	}
	if err := e.store.SetLockout(ctx, account.ID, 0, nil); err != nil {
		return false, fmt.Errorf("clear expired lockout: %w", err)
	}
	return false, nil
}

// RecordFailure bumps the failure counter; at the threshold the account
// is locked, an audit event recorded, and an account.locked event fanned
// out to the tenant's subscriptions.
func (e *Enforcer) RecordFailure(ctx context.Context, account screenshot.Account) error {
	failures := account.FailedAttempts + 1
	if failures < LockThreshold {
		if err := e.store.SetLockout(ctx, account.ID, failures, account.LockExpiry); err != nil {
			return fmt.Errorf("record auth failure: %w", err)
		}
		e.logger.Info("authentication failure recorded",
			zap.String("account_id", account.ID),
			zap.Int("failed_attempts", failures))
		return nil
	}

	expiry := e.clock.Now().Add(LockDuration)
	if err := e.store.SetLockout(ctx, account.ID, failures, &expiry); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	e.logger.Warn("account locked after repeated authentication failures",
		zap.String("account_id", account.ID),
		zap.Int("failed_attempts", failures),
		zap.Time("lock_expiry", expiry))
	if e.audit != nil {
		rec := screenshot.AuditRecord{
			AccountID: account.ID,
			Action:    "account.locked",
			Detail:    fmt.Sprintf("locked for %s after %d failed attempts", LockDuration, failures),
			At:        e.clock.Now().UTC(),
		}
		if err := e.audit.Record(ctx, rec); err != nil {
			e.logger.Warn("audit record failed", zap.Error(err))
		}
	}
	if e.notify != nil {
		e.notify.Trigger(ctx, account.ID, screenshot.EventAccountLocked, map[string]any{
			"account_id":  account.ID,
			"lock_expiry": expiry.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// RecordSuccess resets the failure counter and clears any lock
// unconditionally.
func (e *Enforcer) RecordSuccess(ctx context.Context, account screenshot.Account) error {
	if account.FailedAttempts == 0 && account.LockExpiry == nil {
		return nil
	}
	if err := e.store.SetLockout(ctx, account.ID, 0, nil); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}
