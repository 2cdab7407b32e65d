package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
	MessageRoleTool      = "tool"
)

// Message is one persisted conversation message. Immutable once inserted;
// compaction prunes the oldest rows beyond the history cap.
type Message struct {
	ID        int64     `json:"id"`
	ChatFk    int64     `json:"chat_fk"`
	Role      string    `json:"role"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Stored    bool      `json:"stored"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertMessage appends a message to a chat's history.
func (s *Store) InsertMessage(ctx context.Context, chatFk int64, role, senderID, content string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_fk, role, sender_id, content, stored, created_at)
		VALUES (?, ?, ?, ?, 1, ?);
	`, chatFk, role, senderID, content, unixMs(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message id: %w", err)
	}
	return id, nil
}

// RecentMessages returns the last limit messages for a chat in chronological
// order, restricted to the given roles (nil = all roles).
func (s *Store) RecentMessages(ctx context.Context, chatFk int64, limit int, roles ...string) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT id, chat_fk, role, sender_id, content, stored, created_at
		FROM messages WHERE chat_fk = ?`
	args := []any{chatFk}
	if len(roles) > 0 {
		query += ` AND role IN (`
		for i, r := range roles {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, r)
		}
		query += `)`
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var stored int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatFk, &m.Role, &m.SenderID, &m.Content, &stored, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Stored = stored != 0
		m.CreatedAt = fromUnixMs(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountMessages returns the number of stored messages for a chat.
func (s *Store) CountMessages(ctx context.Context, chatFk int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE chat_fk = ?;`, chatFk).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// PruneMessages deletes all but the newest keep messages for a chat and
// returns the number of rows removed.
func (s *Store) PruneMessages(ctx context.Context, chatFk int64, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE chat_fk = ? AND id NOT IN (
			SELECT id FROM messages WHERE chat_fk = ? ORDER BY id DESC LIMIT ?
		);
	`, chatFk, chatFk, keep)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ConversationState holds per-chat derived state: the rolling summary and
// the set of enabled skills.
type ConversationState struct {
	ChatFk        int64     `json:"chat_fk"`
	Summary       string    `json:"summary"`
	EnabledSkills []string  `json:"enabled_skills"`
	LastCompactAt time.Time `json:"last_compact_at"`
}

// GetConversationState loads the state row for a chat, returning a zero
// state when none exists yet.
func (s *Store) GetConversationState(ctx context.Context, chatFk int64) (ConversationState, error) {
	st := ConversationState{ChatFk: chatFk}
	var skillsJSON string
	var lastCompact int64
	err := s.db.QueryRowContext(ctx, `
		SELECT summary, enabled_skills, last_compact_at
		FROM conversation_state WHERE chat_fk = ?;
	`, chatFk).Scan(&st.Summary, &skillsJSON, &lastCompact)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return st, fmt.Errorf("get conversation state: %w", err)
	}
	if skillsJSON != "" {
		if err := json.Unmarshal([]byte(skillsJSON), &st.EnabledSkills); err != nil {
			return st, fmt.Errorf("parse enabled skills: %w", err)
		}
	}
	st.LastCompactAt = fromUnixMs(lastCompact)
	return st, nil
}

// PutConversationState upserts the state row for a chat.
func (s *Store) PutConversationState(ctx context.Context, st ConversationState) error {
	skills := st.EnabledSkills
	if skills == nil {
		skills = []string{}
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("marshal enabled skills: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_state (chat_fk, summary, enabled_skills, last_compact_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_fk) DO UPDATE SET
			summary = excluded.summary,
			enabled_skills = excluded.enabled_skills,
			last_compact_at = excluded.last_compact_at;
	`, st.ChatFk, st.Summary, string(skillsJSON), unixMs(st.LastCompactAt))
	if err != nil {
		return fmt.Errorf("put conversation state: %w", err)
	}
	return nil
}
