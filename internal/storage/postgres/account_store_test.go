package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestGetAccountByKeyHash(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	created := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "email", "plan", "api_key_hash", "failed_attempts", "lock_expiry", "created_at",
	}).AddRow("acct-1", "owner@example.com", "pro", "hash123", 0, nil, created)

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE api_key_hash").
		WithArgs("hash123").
		WillReturnRows(rows)

	account, err := store.GetAccountByKeyHash(context.Background(), "hash123")
	require.NoError(t, err)
	require.Equal(t, "acct-1", account.ID)
	require.Equal(t, screenshot.PlanPro, account.Plan)
	require.Nil(t, account.LockExpiry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_NotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "email", "plan", "api_key_hash", "failed_attempts", "lock_expiry", "created_at",
		}))

	_, err := store.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementQuota_Atomic(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE quota_periods").
		WithArgs("acct-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.IncrementQuota(context.Background(), "acct-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementQuota_NoCoveringPeriod(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	at := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE quota_periods").
		WithArgs("acct-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.IncrementQuota(context.Background(), "acct-1", at)
	require.ErrorContains(t, err, "no quota period covers")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateQuotaPeriod_ConflictIsNotError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	period := screenshot.QuotaPeriod{
		AccountID:     "acct-1",
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
		RequestsLimit: 100,
	}
	mock.ExpectExec("INSERT INTO quota_periods").
		WithArgs(period.AccountID, period.PeriodStart, period.PeriodEnd, 0, 100).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateQuotaPeriod(context.Background(), period))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLockout(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewAccountStore(mock)

	expiry := time.Date(2026, time.March, 10, 12, 15, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE accounts SET failed_attempts").
		WithArgs("acct-1", 5, &expiry).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetLockout(context.Background(), "acct-1", 5, &expiry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchLastTriggered(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSubscriptionStore(mock)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE webhook_subscriptions SET last_triggered_at").
		WithArgs("sub-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.TouchLastTriggered(context.Background(), "sub-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}
