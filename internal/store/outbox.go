package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maksec/msgguard/internal/label"
)

// OutboxEntry is one raw feed event parked while its source's defense is
// switched off. Entries replay in arrival order when the source resumes.
type OutboxEntry struct {
	ID      int64        `json:"id"`
	Source  label.Source `json:"source"`
	Payload string       `json:"payload"`
}

// EnqueueOutbox parks a raw event for later replay. The queue is bounded
// per source; at capacity the oldest entry is dropped to make room, so a
// long pause loses history rather than growing without bound.
func (s *Store) EnqueueOutbox(ctx context.Context, source label.Source, payload string, capacity int) (dropped bool, err error) {
	if capacity <= 0 {
		capacity = 1000
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE source = ?;`, source).Scan(&n); err != nil {
			return fmt.Errorf("count outbox: %w", err)
		}
		if n >= capacity {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM outbox WHERE id IN (
					SELECT id FROM outbox WHERE source = ? ORDER BY id ASC LIMIT ?
				);
			`, source, n-capacity+1); err != nil {
				return fmt.Errorf("trim outbox: %w", err)
			}
			dropped = true
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (source, payload) VALUES (?, ?);`, source, payload); err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
		return nil
	})
	return dropped, err
}

// DequeueOutbox removes and returns the oldest entry for a source.
// ErrNotFound means the queue is drained.
func (s *Store) DequeueOutbox(ctx context.Context, source label.Source) (OutboxEntry, error) {
	var entry OutboxEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, source, payload FROM outbox WHERE source = ? ORDER BY id ASC LIMIT 1;
		`, source)
		if err := row.Scan(&entry.ID, &entry.Source, &entry.Payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read outbox head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, entry.ID); err != nil {
			return fmt.Errorf("pop outbox head: %w", err)
		}
		return nil
	})
	return entry, err
}

// OutboxSize reports the queue depth for one source.
func (s *Store) OutboxSize(ctx context.Context, source label.Source) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE source = ?;`, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox size: %w", err)
	}
	return n, nil
}
