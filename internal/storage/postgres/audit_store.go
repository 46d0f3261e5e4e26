package postgres

import (
	"context"
	"fmt"

	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// AuditStore appends audit records to the audit_log table.
type AuditStore struct {
	pool dbPool
}

// NewAuditStore wraps an existing pool.
func NewAuditStore(pool dbPool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Record inserts one audit entry.
func (s *AuditStore) Record(ctx context.Context, rec screenshot.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_log (account_id, action, detail, created_at)
VALUES ($1, $2, $3, $4)`,
		rec.AccountID, rec.Action, rec.Detail, rec.At)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
