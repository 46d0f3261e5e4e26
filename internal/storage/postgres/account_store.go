package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ErrAccountNotFound is returned for unknown accounts or API keys.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore implements screenshot.AccountStore over Postgres.
type AccountStore struct {
	pool dbPool
}

// NewAccountStore wraps an existing pool.
func NewAccountStore(pool dbPool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Close releases the underlying pool.
func (s *AccountStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const accountColumns = `id, email, plan, api_key_hash, failed_attempts, lock_expiry, created_at`

func scanAccount(row pgx.Row) (screenshot.Account, error) {
	var account screenshot.Account
	var plan string
	err := row.Scan(
		&account.ID,
		&account.Email,
		&plan,
		&account.APIKeyHash,
		&account.FailedAttempts,
		&account.LockExpiry,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return screenshot.Account{}, ErrAccountNotFound
		}
		return screenshot.Account{}, fmt.Errorf("scan account: %w", err)
	}
	account.Plan = screenshot.PlanTier(plan)
	return account, nil
}

// GetAccount fetches an account by ID.
func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (screenshot.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// GetAccountByKeyHash fetches an account by its API key hash.
func (s *AccountStore) GetAccountByKeyHash(ctx context.Context, keyHash string) (screenshot.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key_hash = $1`, keyHash)
	return scanAccount(row)
}

// GetQuotaPeriod returns the period covering at, if one exists.
func (s *AccountStore) GetQuotaPeriod(ctx context.Context, accountID string, at time.Time) (screenshot.QuotaPeriod, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT account_id, period_start, period_end, requests_made, requests_limit
FROM quota_periods
WHERE account_id = $1 AND period_start <= $2 AND period_end > $2`,
		accountID, at)
	var period screenshot.QuotaPeriod
	err := row.Scan(
		&period.AccountID,
		&period.PeriodStart,
		&period.PeriodEnd,
		&period.RequestsMade,
		&period.RequestsLimit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return screenshot.QuotaPeriod{}, false, nil
		}
		return screenshot.QuotaPeriod{}, false, fmt.Errorf("scan quota period: %w", err)
	}
	return period, true, nil
}

// CreateQuotaPeriod inserts a new period row. Concurrent lazy creation is
// resolved by the unique (account_id, period_start) constraint; losing
// the race is not an error.
func (s *AccountStore) CreateQuotaPeriod(ctx context.Context, period screenshot.QuotaPeriod) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO quota_periods (account_id, period_start, period_end, requests_made, requests_limit)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_id, period_start) DO NOTHING`,
		period.AccountID, period.PeriodStart, period.PeriodEnd,
		period.RequestsMade, period.RequestsLimit)
	if err != nil {
		return fmt.Errorf("insert quota period: %w", err)
	}
	return nil
}

// IncrementQuota bumps requestsMade by one in a single atomic statement.
func (s *AccountStore) IncrementQuota(ctx context.Context, accountID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE quota_periods
SET requests_made = requests_made + 1
WHERE account_id = $1 AND period_start <= $2 AND period_end > $2`,
		accountID, at)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no quota period covers %s for account %s", at, accountID)
	}
	return nil
}

// SetLockout writes the failure counter and lock expiry.
func (s *AccountStore) SetLockout(ctx context.Context, accountID string, failedAttempts int, lockExpiry *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE accounts SET failed_attempts = $2, lock_expiry = $3 WHERE id = $1`,
		accountID, failedAttempts, lockExpiry)
	if err != nil {
		return fmt.Errorf("update lockout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
