package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"sentra.org/internal/audit"
	"sentra.org/internal/ids"
)

var _ audit.Store = (*Store)(nil)

// Append persists one audit entry. The audit trail is append-only; there is
// no update or delete path.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	fields := []byte("{}")
	if len(e.Fields) > 0 {
		data, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = data
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, event_type, user_id, org_id, permission, outcome, request_id, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.OccurredAt, e.EventType,
		nullIfEmpty(e.UserID), nullIfEmpty(e.OrgID), nullIfEmpty(e.Permission),
		e.Outcome, nullIfEmpty(e.RequestID), fields)
	return err
}
