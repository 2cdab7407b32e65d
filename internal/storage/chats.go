package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat roles.
const (
	RoleAdmin  = "admin"
	RoleNormal = "normal"
)

// Chat is a unique (channel, chatId) pair. Created on first reference,
// never deleted.
type Chat struct {
	ID         int64     `json:"id"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	Role       string    `json:"role"`
	Registered bool      `json:"registered"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsAdmin reports whether the chat holds the admin role.
func (c Chat) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// GetOrCreateChat looks up the chat for (channel, chatId), inserting it with
// default attributes on first reference.
func (s *Store) GetOrCreateChat(ctx context.Context, channel, chatID string) (Chat, error) {
	chat, err := s.getChat(ctx, channel, chatID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Chat{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (channel, chat_id, role, registered, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(channel, chat_id) DO NOTHING;
	`, channel, chatID, RoleNormal, unixMs(time.Now()))
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return s.getChat(ctx, channel, chatID)
}

func (s *Store) getChat(ctx context.Context, channel, chatID string) (Chat, error) {
	var c Chat
	var registered int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel, chat_id, role, registered, created_at
		FROM chats WHERE channel = ? AND chat_id = ?;
	`, channel, chatID).Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, err
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.Registered = registered != 0
	c.CreatedAt = fromUnixMs(createdAt)
	return c, nil
}

// GetChatByID loads a chat by surrogate id.
func (s *Store) GetChatByID(ctx context.Context, id int64) (Chat, error) {
	var c Chat
	var registered int
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel, chat_id, role, registered, created_at
		FROM chats WHERE id = ?;
	`, id).Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &createdAt)
	if err != nil {
		return Chat{}, fmt.Errorf("get chat by id: %w", err)
	}
	c.Registered = registered != 0
	c.CreatedAt = fromUnixMs(createdAt)
	return c, nil
}

// SetChatRole updates a chat's role.
func (s *Store) SetChatRole(ctx context.Context, id int64, role string) error {
	if role != RoleAdmin && role != RoleNormal {
		return fmt.Errorf("unknown chat role %q", role)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET role = ? WHERE id = ?;`, role, id); err != nil {
		return fmt.Errorf("set chat role: %w", err)
	}
	return nil
}

// SetChatRegistered flips the registration flag that controls full message
// persistence for the chat.
func (s *Store) SetChatRegistered(ctx context.Context, id int64, registered bool) error {
	v := 0
	if registered {
		v = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET registered = ? WHERE id = ?;`, v, id); err != nil {
		return fmt.Errorf("set chat registered: %w", err)
	}
	return nil
}

// CountAdmins returns the number of admin chats.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE role = ?;`, RoleAdmin).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}

// ListChats returns all chats, newest first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, chat_id, role, registered, created_at
		FROM chats ORDER BY id DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var registered int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Registered = registered != 0
		c.CreatedAt = fromUnixMs(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
