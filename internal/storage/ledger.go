package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Inbound execution statuses.
const (
	ExecutionInProgress = "in_progress"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
)

// InboundExecution is the ledger row recording whether an inbound message id
// has already been processed, protecting against duplicate side effects on
// retry.
type InboundExecution struct {
	MessageID       string    `json:"message_id"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
	ResultContent   string    `json:"result_content,omitempty"`
	OutboundID      string    `json:"outbound_id,omitempty"`
	OutboundSkipped bool      `json:"outbound_skipped,omitempty"`
}

// GetInboundExecution loads the ledger row for a message id. Missing rows
// return (zero, false, nil).
func (s *Store) GetInboundExecution(ctx context.Context, messageID string) (InboundExecution, bool, error) {
	var ex InboundExecution
	var startedAt int64
	var finishedAt sql.NullInt64
	var skipped int
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, status, started_at, finished_at, result_content, outbound_id, outbound_skipped
		FROM inbound_executions WHERE message_id = ?;
	`, messageID).Scan(&ex.MessageID, &ex.Status, &startedAt, &finishedAt, &ex.ResultContent, &ex.OutboundID, &skipped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InboundExecution{}, false, nil
		}
		return InboundExecution{}, false, fmt.Errorf("get inbound execution: %w", err)
	}
	ex.StartedAt = fromUnixMs(startedAt)
	if finishedAt.Valid {
		ex.FinishedAt = fromUnixMs(finishedAt.Int64)
	}
	ex.OutboundSkipped = skipped != 0
	return ex, true, nil
}

// BeginInboundExecution transactionally upserts the ledger row to
// in_progress with the deterministic outbound id. It returns false without
// writing when a completed row exists, or when an in_progress row is younger
// than staleAfter (another worker owns it).
func (s *Store) BeginInboundExecution(ctx context.Context, messageID, outboundID string, staleAfter time.Duration, now time.Time) (bool, error) {
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var startedAt int64
		err := tx.QueryRowContext(ctx, `
			SELECT status, started_at FROM inbound_executions WHERE message_id = ?;
		`, messageID).Scan(&status, &startedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First observation.
		case err != nil:
			return fmt.Errorf("read inbound execution: %w", err)
		case status == ExecutionCompleted:
			return nil
		case status == ExecutionInProgress && fromUnixMs(startedAt).After(now.Add(-staleAfter)):
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inbound_executions (message_id, status, started_at, outbound_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				status = excluded.status,
				started_at = excluded.started_at,
				outbound_id = excluded.outbound_id,
				finished_at = NULL;
		`, messageID, ExecutionInProgress, unixMs(now), outboundID); err != nil {
			return fmt.Errorf("begin inbound execution: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// CompleteInboundExecution marks the ledger row completed with the cached
// result content.
func (s *Store) CompleteInboundExecution(ctx context.Context, messageID, resultContent string, outboundSkipped bool, now time.Time) error {
	skipped := 0
	if outboundSkipped {
		skipped = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE inbound_executions
		SET status = ?, finished_at = ?, result_content = ?, outbound_skipped = ?
		WHERE message_id = ?;
	`, ExecutionCompleted, unixMs(now), resultContent, skipped, messageID); err != nil {
		return fmt.Errorf("complete inbound execution: %w", err)
	}
	return nil
}

// FailInboundExecution marks the ledger row failed so a later retry may
// reacquire it.
func (s *Store) FailInboundExecution(ctx context.Context, messageID string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE inbound_executions SET status = ?, finished_at = ? WHERE message_id = ? AND status = ?;
	`, ExecutionFailed, unixMs(now), messageID, ExecutionInProgress); err != nil {
		return fmt.Errorf("fail inbound execution: %w", err)
	}
	return nil
}

// PruneInboundExecutions removes ledger rows finished before the cutoff.
// Rows persist for at least the processing timeout so late retries observe
// completion.
func (s *Store) PruneInboundExecutions(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM inbound_executions
		WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?;
	`, ExecutionInProgress, unixMs(finishedBefore))
	if err != nil {
		return 0, fmt.Errorf("prune inbound executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
