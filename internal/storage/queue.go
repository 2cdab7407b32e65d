package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Queue directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Queue record statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusProcessed  = "processed"
	QueueStatusDeadLetter = "dead_letter"
)

// Terminal last_error values set at publish time.
const (
	ReasonQueueOverflow = "Queue overflow"
	ReasonRateLimited   = "Rate limit exceeded"
)

// QueueRecord is one row of the durable bus queue.
type QueueRecord struct {
	ID             int64     `json:"id"`
	Direction      string    `json:"direction"`
	MessageID      string    `json:"message_id"`
	Channel        string    `json:"channel"`
	ChatID         string    `json:"chat_id"`
	Payload        string    `json:"payload"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	ClaimedAt      time.Time `json:"claimed_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
}

// PublishLimits bounds applied inside the publish transaction.
type PublishLimits struct {
	MaxPending      int // 0 = unlimited
	MaxAttempts     int
	RateLimitWindow time.Duration // inbound only; 0 disables
	RateLimitMax    int
}

// PublishOutcome reports what the publish transaction did.
type PublishOutcome struct {
	QueueID      int64
	Duplicate    bool
	DeadLettered bool
	Reason       string
}

// PublishQueueRecord atomically records one publish: dedupe insert, overflow
// check, per-chat rate limit (inbound), then the queue row itself. A dedupe
// collision makes the whole publish a silent no-op.
func (s *Store) PublishQueueRecord(ctx context.Context, direction, messageID, channel, chatID, payload string, limits PublishLimits, now time.Time) (PublishOutcome, error) {
	var out PublishOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_dedupe (direction, message_id, queue_id, created_at)
			VALUES (?, ?, 0, ?);
		`, direction, messageID, unixMs(now))
		if err != nil {
			return fmt.Errorf("insert dedupe: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			out.Duplicate = true
			return nil
		}

		status := QueueStatusPending
		lastError := ""
		var deadLetteredAt any

		if limits.MaxPending > 0 {
			var pending int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM bus_queue WHERE direction = ? AND status = ?;
			`, direction, QueueStatusPending).Scan(&pending); err != nil {
				return fmt.Errorf("count pending: %w", err)
			}
			if pending >= limits.MaxPending {
				status = QueueStatusDeadLetter
				lastError = ReasonQueueOverflow
				deadLetteredAt = unixMs(now)
			}
		}

		if status == QueueStatusPending && direction == DirectionInbound &&
			limits.RateLimitWindow > 0 && limits.RateLimitMax > 0 {
			var recent int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM bus_queue
				WHERE direction = ? AND channel = ? AND chat_id = ? AND created_at > ?;
			`, direction, channel, chatID, unixMs(now.Add(-limits.RateLimitWindow))).Scan(&recent); err != nil {
				return fmt.Errorf("count recent for rate limit: %w", err)
			}
			if recent >= limits.RateLimitMax {
				status = QueueStatusDeadLetter
				lastError = ReasonRateLimited
				deadLetteredAt = unixMs(now)
			}
		}

		maxAttempts := limits.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO bus_queue
				(direction, message_id, channel, chat_id, payload, status, attempts, max_attempts,
				 next_attempt_at, last_error, dead_lettered_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?);
		`, direction, messageID, channel, chatID, payload, status, maxAttempts,
			unixMs(now), lastError, deadLetteredAt, unixMs(now))
		if err != nil {
			return fmt.Errorf("insert queue record: %w", err)
		}
		queueID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("queue record id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE message_dedupe SET queue_id = ? WHERE direction = ? AND message_id = ?;
		`, queueID, direction, messageID); err != nil {
			return fmt.Errorf("bind dedupe to queue record: %w", err)
		}

		out.QueueID = queueID
		out.DeadLettered = status == QueueStatusDeadLetter
		out.Reason = lastError
		return nil
	})
	return out, err
}

// ClaimPending claims up to limit due pending records in created_at order.
// Each claim is a conditional pending->processing update; only rows actually
// won are returned.
func (s *Store) ClaimPending(ctx context.Context, direction string, limit int, now time.Time) ([]QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM bus_queue
		WHERE direction = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, direction, QueueStatusPending, unixMs(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []QueueRecord
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bus_queue SET status = ?, claimed_at = ?
			WHERE id = ? AND status = ?;
		`, QueueStatusProcessing, unixMs(now), id, QueueStatusPending)
		if err != nil {
			return claimed, fmt.Errorf("claim record %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost the claim race
		}
		rec, err := s.GetQueueRecord(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

// GetQueueRecord loads a single queue record by id.
func (s *Store) GetQueueRecord(ctx context.Context, id int64) (QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, direction, message_id, channel, chat_id, payload, status, attempts,
		       max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at
		FROM bus_queue WHERE id = ?;
	`, id)
	return scanQueueRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRecord(row rowScanner) (QueueRecord, error) {
	var rec QueueRecord
	var nextAt, createdAt int64
	var claimedAt, deadAt sql.NullInt64
	if err := row.Scan(
		&rec.ID, &rec.Direction, &rec.MessageID, &rec.Channel, &rec.ChatID, &rec.Payload,
		&rec.Status, &rec.Attempts, &rec.MaxAttempts, &nextAt, &claimedAt,
		&rec.LastError, &deadAt, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan queue record: %w", err)
	}
	rec.NextAttemptAt = fromUnixMs(nextAt)
	rec.CreatedAt = fromUnixMs(createdAt)
	if claimedAt.Valid {
		rec.ClaimedAt = fromUnixMs(claimedAt.Int64)
	}
	if deadAt.Valid {
		rec.DeadLetteredAt = fromUnixMs(deadAt.Int64)
	}
	return rec, nil
}

// MarkProcessed transitions a claimed record to its success terminal state.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bus_queue SET status = ? WHERE id = ? AND status = ?;
	`, QueueStatusProcessed, id, QueueStatusProcessing); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// RequeueForRetry returns a failed record to pending with the next attempt
// scheduled and the attempt counter advanced.
func (s *Store) RequeueForRetry(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bus_queue
		SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?, claimed_at = NULL
		WHERE id = ? AND status = ?;
	`, QueueStatusPending, unixMs(nextAttemptAt), lastError, id, QueueStatusProcessing); err != nil {
		return fmt.Errorf("requeue for retry: %w", err)
	}
	return nil
}

// MarkDeadLetter transitions a record to dead_letter with its final error.
func (s *Store) MarkDeadLetter(ctx context.Context, id int64, lastError string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bus_queue
		SET status = ?, attempts = attempts + 1, last_error = ?, dead_lettered_at = ?, claimed_at = NULL
		WHERE id = ?;
	`, QueueStatusDeadLetter, lastError, unixMs(now), id); err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	return nil
}

// RecoverStaleProcessing returns processing records whose claim expired back
// to pending, preserving attempts. Called at bus start so crashed handlers do
// not leave work marooned.
func (s *Store) RecoverStaleProcessing(ctx context.Context, direction string, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bus_queue
		SET status = ?, claimed_at = NULL
		WHERE direction = ? AND status = ? AND claimed_at < ?;
	`, QueueStatusPending, direction, QueueStatusProcessing, unixMs(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("recover stale processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueCounts holds per-status totals for one direction.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	DeadLetter int `json:"dead_letter"`
}

// CountQueue aggregates record counts by status for one direction.
func (s *Store) CountQueue(ctx context.Context, direction string) (QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM bus_queue WHERE direction = ? GROUP BY status;
	`, direction)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("count queue: %w", err)
	}
	defer rows.Close()

	var counts QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan queue count: %w", err)
		}
		switch status {
		case QueueStatusPending:
			counts.Pending = n
		case QueueStatusProcessing:
			counts.Processing = n
		case QueueStatusProcessed:
			counts.Processed = n
		case QueueStatusDeadLetter:
			counts.DeadLetter = n
		}
	}
	return counts, rows.Err()
}

// ListDeadLetter returns dead_letter records, newest first. direction may be
// empty to span both directions.
func (s *Store) ListDeadLetter(ctx context.Context, direction string, limit int) ([]QueueRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, direction, message_id, channel, chat_id, payload, status, attempts,
		       max_attempts, next_attempt_at, claimed_at, last_error, dead_lettered_at, created_at
		FROM bus_queue WHERE status = ?`
	args := []any{QueueStatusDeadLetter}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, direction)
	}
	query += ` ORDER BY dead_lettered_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer rows.Close()

	var out []QueueRecord
	for rows.Next() {
		rec, err := scanQueueRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplayDeadLetter moves the selected dead_letter records back to pending
// with attempts reset. Selection is by queue id, or by direction (empty =
// both) bounded by limit. Returns the replayed queue ids.
func (s *Store) ReplayDeadLetter(ctx context.Context, queueID int64, direction string, limit int, now time.Time) ([]int64, error) {
	var ids []int64
	if queueID > 0 {
		ids = append(ids, queueID)
	} else {
		if limit <= 0 {
			limit = 50
		}
		query := `SELECT id FROM bus_queue WHERE status = ?`
		args := []any{QueueStatusDeadLetter}
		if direction != "" {
			query += ` AND direction = ?`
			args = append(args, direction)
		}
		query += ` ORDER BY id ASC LIMIT ?;`
		args = append(args, limit)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("select dead letter for replay: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan replay id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var replayed []int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE bus_queue
			SET status = ?, attempts = 0, next_attempt_at = ?, last_error = '', dead_lettered_at = NULL
			WHERE id = ? AND status = ?;
		`, QueueStatusPending, unixMs(now), id, QueueStatusDeadLetter)
		if err != nil {
			return replayed, fmt.Errorf("replay dead letter %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			replayed = append(replayed, id)
		}
	}
	return replayed, nil
}

// CountInboundInFlight reports whether the chat has inbound work in pending
// or processing, used by the heartbeat skip-when-busy gate.
func (s *Store) CountInboundInFlight(ctx context.Context, channel, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM bus_queue
		WHERE direction = ? AND channel = ? AND chat_id = ? AND status IN (?, ?);
	`, DirectionInbound, channel, chatID, QueueStatusPending, QueueStatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count inbound in flight: %w", err)
	}
	return n, nil
}

// PruneTerminalQueueRecords removes processed and dead_letter rows older than
// the retention cutoff, along with their dedupe entries. Dedupe rows for
// records younger than keepDedupeAfter are preserved so late duplicates stay
// suppressed.
func (s *Store) PruneTerminalQueueRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM message_dedupe WHERE (direction, message_id) IN (
				SELECT direction, message_id FROM bus_queue
				WHERE status IN (?, ?) AND created_at < ?
			);
		`, QueueStatusProcessed, QueueStatusDeadLetter, unixMs(olderThan))
		if err != nil {
			return fmt.Errorf("prune dedupe: %w", err)
		}
		_ = res
		res, err = tx.ExecContext(ctx, `
			DELETE FROM bus_queue WHERE status IN (?, ?) AND created_at < ?;
		`, QueueStatusProcessed, QueueStatusDeadLetter, unixMs(olderThan))
		if err != nil {
			return fmt.Errorf("prune queue: %w", err)
		}
		total, _ = res.RowsAffected()
		return nil
	})
	return total, err
}
