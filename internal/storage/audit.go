package storage

import (
	"context"
	"fmt"
	"time"
)

// Audit outcomes.
const (
	AuditOK     = "ok"
	AuditDenied = "denied"
	AuditError  = "error"
)

// AuditEvent is one append-only audit row. argsJson arrives pre-redacted.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	ToolName  string    `json:"tool_name,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	ArgsJSON  string    `json:"args_json,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAuditEvent appends an audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (kind, tool_name, outcome, reason, args_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, ev.Kind, ev.ToolName, ev.Outcome, ev.Reason, ev.ArgsJSON, unixMs(time.Now())); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest limit audit rows.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tool_name, outcome, reason, args_json, created_at
		FROM audit_events ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ToolName, &ev.Outcome, &ev.Reason, &ev.ArgsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.CreatedAt = fromUnixMs(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}
