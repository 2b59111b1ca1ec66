package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maksec/msgguard/internal/bus"
)

// SweepOlderThan purges messages whose created_at predates the cutoff,
// then removes users and chats left without any messages. The three
// deletes run in one transaction so a crash never strands half a sweep.
func (s *Store) SweepOlderThan(ctx context.Context, maxAge time.Duration) (bus.RetentionSweptEvent, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var ev bus.RetentionSweptEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		ev.PurgedMessages, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM users WHERE user_id NOT IN (SELECT DISTINCT sender_user_id FROM messages);
		`)
		if err != nil {
			return fmt.Errorf("purge orphan users: %w", err)
		}
		ev.PurgedUsers, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM chats WHERE chat_id NOT IN (SELECT DISTINCT chat_id FROM messages);
		`)
		if err != nil {
			return fmt.Errorf("purge orphan chats: %w", err)
		}
		ev.PurgedChats, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return bus.RetentionSweptEvent{}, err
	}
	s.publish(bus.TopicRetentionSwept, ev)
	return ev, nil
}
