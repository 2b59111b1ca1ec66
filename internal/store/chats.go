package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maksec/msgguard/internal/label"
)

// ResolveChatID derives the stable local id for an external chat. Same
// scheme as ResolveUserID with a "chat" discriminator so a chat and a
// user sharing an external id never collide.
func ResolveChatID(source label.Source, externalID string) int64 {
	return ResolveUserID(source, "chat|"+externalID)
}

// ChatType distinguishes 1:1 conversations from groups.
type ChatType string

const (
	ChatPrivate ChatType = "PRIVATE"
	ChatGroup   ChatType = "GROUP"
)

// Chat is a conversation a message belongs to. For a private chat the
// opposite user is the peer; groups carry a title instead.
type Chat struct {
	ChatID         int64        `json:"chat_id"`
	Source         label.Source `json:"source"`
	ChatType       ChatType     `json:"chat_type"`
	OppositeUserID int64        `json:"opposite_user_id,omitempty"`
	Title          string       `json:"title,omitempty"`
}

// UpsertChat inserts or refreshes a chat row. Chats must exist before any
// message referencing them is persisted.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	if c.ChatType == "" {
		c.ChatType = ChatPrivate
	}
	var opposite sql.NullInt64
	if c.OppositeUserID != 0 {
		opposite = sql.NullInt64{Int64: c.OppositeUserID, Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (chat_id, source, chat_type, opposite_user_id, title)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				chat_type = excluded.chat_type,
				opposite_user_id = excluded.opposite_user_id,
				title = excluded.title;
		`, c.ChatID, c.Source, c.ChatType, opposite, nullable(c.Title))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ChatID, err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	var c Chat
	var opposite sql.NullInt64
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, source, chat_type, opposite_user_id, title FROM chats WHERE chat_id = ?;
	`, chatID).Scan(&c.ChatID, &c.Source, &c.ChatType, &opposite, &title)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	c.OppositeUserID = opposite.Int64
	c.Title = title.String
	return c, nil
}
