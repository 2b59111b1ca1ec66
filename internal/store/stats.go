package store

import (
	"context"
	"fmt"

	"github.com/maksec/msgguard/internal/label"
)

// StatRow is one append-only entry in the stats ledger. A row is written
// every time an aggregation pass or manual override assigns a danger
// level, so the ledger preserves the full history rather than the last
// value per message.
type StatRow struct {
	StatID      int64             `json:"stat_id"`
	MessageID   int64             `json:"message_id"`
	Date        int64             `json:"date"`
	DangerLevel label.DangerLevel `json:"danger_level"`
}

// DangerCounts is the per-level tally over a date range.
type DangerCounts struct {
	Safe       int `json:"safe"`
	Suspicious int `json:"suspicious"`
	Critical   int `json:"critical"`
}

func (c DangerCounts) Total() int {
	return c.Safe + c.Suspicious + c.Critical
}

// StatsForRange tallies ledger rows whose message date falls in
// [from, to]. Each row counts once, so re-aggregated messages weigh by
// how often they were touched.
func (s *Store) StatsForRange(ctx context.Context, from, to int64) (DangerCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT danger_level, COUNT(*) FROM message_stats
		WHERE date >= ? AND date <= ?
		GROUP BY danger_level;
	`, from, to)
	if err != nil {
		return DangerCounts{}, fmt.Errorf("stats for range: %w", err)
	}
	defer rows.Close()

	var out DangerCounts
	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return DangerCounts{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch label.DangerLevel(level) {
		case label.Critical:
			out.Critical = count
		case label.Suspicious:
			out.Suspicious = count
		default:
			out.Safe = count
		}
	}
	return out, rows.Err()
}

// StatsForMessage returns the ledger history for one message, oldest
// first.
func (s *Store) StatsForMessage(ctx context.Context, messageID int64) ([]StatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stat_id, message_id, date, danger_level FROM message_stats
		WHERE message_id = ? ORDER BY stat_id ASC;
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("stats for message: %w", err)
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var r StatRow
		var level int
		if err := rows.Scan(&r.StatID, &r.MessageID, &r.Date, &level); err != nil {
			return nil, fmt.Errorf("scan stat row: %w", err)
		}
		r.DangerLevel = label.DangerLevel(level)
		out = append(out, r)
	}
	return out, rows.Err()
}
