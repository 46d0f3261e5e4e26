// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ErrNotFound is returned for unknown accounts.
var ErrNotFound = errors.New("not found")

// Store implements the account, subscription, and audit contracts with
// mutex-guarded maps.
type Store struct {
	mu            sync.RWMutex
	accounts      map[string]screenshot.Account
	periods       map[string][]screenshot.QuotaPeriod
	subscriptions map[string]screenshot.Subscription
	audits        []screenshot.AuditRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:      make(map[string]screenshot.Account),
		periods:       make(map[string][]screenshot.QuotaPeriod),
		subscriptions: make(map[string]screenshot.Subscription),
	}
}

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(account screenshot.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
}

// GetAccount fetches an account by ID.
func (s *Store) GetAccount(_ context.Context, accountID string) (screenshot.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return screenshot.Account{}, ErrNotFound
	}
	return account, nil
}

// GetAccountByKeyHash looks an account up by its API key hash.
func (s *Store) GetAccountByKeyHash(_ context.Context, keyHash string) (screenshot.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.accounts {
		if account.APIKeyHash == keyHash {
			return account, nil
		}
	}
	return screenshot.Account{}, ErrNotFound
}

// GetQuotaPeriod returns the period covering at, if any.
func (s *Store) GetQuotaPeriod(_ context.Context, accountID string, at time.Time) (screenshot.QuotaPeriod, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, period := range s.periods[accountID] {
		if period.Covers(at) {
			return period, true, nil
		}
	}
	return screenshot.QuotaPeriod{}, false, nil
}

// CreateQuotaPeriod appends a new period row.
func (s *Store) CreateQuotaPeriod(_ context.Context, period screenshot.QuotaPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[period.AccountID] = append(s.periods[period.AccountID], period)
	return nil
}

// IncrementQuota atomically bumps the covering period's counter.
func (s *Store) IncrementQuota(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	periods := s.periods[accountID]
	for i := range periods {
		if periods[i].Covers(at) {
			periods[i].RequestsMade++
			return nil
		}
	}
	return errors.New("no quota period covers the increment time")
}

// SetLockout writes the failure counter and lock expiry.
func (s *Store) SetLockout(_ context.Context, accountID string, failedAttempts int, lockExpiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.FailedAttempts = failedAttempts
	account.LockExpiry = lockExpiry
	s.accounts[accountID] = account
	return nil
}

// PutSubscription inserts or replaces a subscription.
func (s *Store) PutSubscription(sub screenshot.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
}

// GetSubscription fetches a subscription by ID.
func (s *Store) GetSubscription(_ context.Context, id string) (screenshot.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return screenshot.Subscription{}, ErrNotFound
	}
	return sub, nil
}

// ActiveSubscriptions lists the tenant's active subscriptions.
func (s *Store) ActiveSubscriptions(_ context.Context, accountID string) ([]screenshot.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []screenshot.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID && sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

// TouchLastTriggered stamps a successful delivery.
func (s *Store) TouchLastTriggered(_ context.Context, subscriptionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	ts := at
	sub.LastTriggeredAt = &ts
	s.subscriptions[subscriptionID] = sub
	return nil
}

// Record appends an audit entry.
func (s *Store) Record(_ context.Context, rec screenshot.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

// AuditRecords returns a copy of recorded audit entries.
func (s *Store) AuditRecords() []screenshot.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]screenshot.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}
