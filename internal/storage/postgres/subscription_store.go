package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionStore implements screenshot.SubscriptionStore over
// Postgres. The pipeline only reads subscriptions and stamps delivery
// outcomes; CRUD lives outside the core.
type SubscriptionStore struct {
	pool dbPool
}

// NewSubscriptionStore wraps an existing pool.
func NewSubscriptionStore(pool dbPool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// ActiveSubscriptions lists the tenant's active webhook registrations.
func (s *SubscriptionStore) ActiveSubscriptions(ctx context.Context, accountID string) ([]screenshot.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, url, secret, events, active, last_triggered_at
FROM webhook_subscriptions
WHERE account_id = $1 AND active`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []screenshot.Subscription
	for rows.Next() {
		var sub screenshot.Subscription
		var events []string
		if err := rows.Scan(&sub.ID, &sub.AccountID, &sub.URL, &sub.Secret,
			&events, &sub.Active, &sub.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Events = make([]screenshot.EventKind, 0, len(events))
		for _, evt := range events {
			sub.Events = append(sub.Events, screenshot.EventKind(evt))
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// GetSubscription loads one subscription by ID, active or not. Webhook
// jobs need the full row to decide whether a queued delivery is still
// wanted.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, id string) (screenshot.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, account_id, url, secret, events, active, last_triggered_at
FROM webhook_subscriptions
WHERE id = $1`, id)

	var sub screenshot.Subscription
	var events []string
	if err := row.Scan(&sub.ID, &sub.AccountID, &sub.URL, &sub.Secret,
		&events, &sub.Active, &sub.LastTriggeredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return screenshot.Subscription{}, ErrSubscriptionNotFound
		}
		return screenshot.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	sub.Events = make([]screenshot.EventKind, 0, len(events))
	for _, evt := range events {
		sub.Events = append(sub.Events, screenshot.EventKind(evt))
	}
	return sub, nil
}

// TouchLastTriggered stamps a successful delivery.
func (s *SubscriptionStore) TouchLastTriggered(ctx context.Context, subscriptionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE webhook_subscriptions SET last_triggered_at = $2 WHERE id = $1`,
		subscriptionID, at)
	if err != nil {
		return fmt.Errorf("update last_triggered_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
