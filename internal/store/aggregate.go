package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
)

// AggregateResult describes one committed aggregation pass.
type AggregateResult struct {
	MessageID     int64
	Siblings      int
	DangerChanges []bus.DangerChangedEvent
	Applied       label.Set
}

var processedColumn = map[label.Field]string{
	label.FieldURL:      "urls_processed",
	label.FieldText:     "text_processed",
	label.FieldPhoto:    "photo_processed",
	label.FieldDocument: "document_processed",
	label.FieldVoice:    "voice_processed",
}

// ApplyLabels commits one analyzer verdict: the new labels land on the
// triggering message, chat-scoped labels spread across the sender's recent
// sibling messages in the same chat, and every touched message gets its
// danger level recomputed and a stats row appended. The whole pass is one
// transaction so readers never see labels without the matching danger.
//
// Only a text verdict above Safe mints the chat-wide propagation label,
// at the level of the standing chat labels unioned with the verdict.
// Verdicts on other fields touch sibling label sets not at all.
func (s *Store) ApplyLabels(ctx context.Context, messageID int64, field label.Field, newLabels label.Set) (AggregateResult, error) {
	col, ok := processedColumn[field]
	if !ok {
		return AggregateResult{}, fmt.Errorf("unknown field %q", field)
	}
	if newLabels == nil {
		newLabels = label.NewSet()
	}

	now := time.Now().Unix()
	res := AggregateResult{MessageID: messageID, Applied: newLabels}
	var labeled bus.MessageLabeledEvent

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res.DangerChanges = res.DangerChanges[:0]

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, messageID)
		trigger, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load triggering message: %w", err)
		}

		windowStart := now - int64(s.window/time.Second)
		rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE sender_user_id = ? AND chat_id = ? AND created_at >= ?;`,
			trigger.SenderUserID, trigger.ChatID, windowStart)
		if err != nil {
			return fmt.Errorf("load siblings: %w", err)
		}
		var siblings []Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan sibling: %w", err)
			}
			siblings = append(siblings, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sibling rows: %w", err)
		}

		// The window can exclude the triggering message itself when the
		// verdict arrives late; the trigger is always part of the pass.
		trigIn := false
		for _, sib := range siblings {
			if sib.ID == trigger.ID {
				trigIn = true
				break
			}
		}
		if !trigIn {
			siblings = append(siblings, trigger)
		}
		res.Siblings = len(siblings)

		// Chat-level labels already standing anywhere in the sibling set
		// feed the propagation level together with the verdict, but only
		// the minted propagation label itself spreads. A text verdict above
		// Safe mints it; other fields never raise siblings.
		var prop label.Set
		if field == label.FieldText && newLabels.MaxDanger() > label.Safe {
			contagious := label.NewSet()
			for _, sib := range siblings {
				for l := range sib.Labels {
					if l.Contagious() {
						contagious.Add(l)
					}
				}
			}
			if l, ok := label.PropagationLabel(contagious.Union(newLabels).MaxDanger()); ok {
				prop = label.NewSet(l)
			}
		}

		for _, sib := range siblings {
			updated := sib.Labels.Union(prop)
			if sib.ID == trigger.ID {
				updated = updated.Union(newLabels)
			}
			danger := updated.MaxDanger()

			oldLevel := ""
			rose := sib.DangerLevel == nil
			if sib.DangerLevel != nil {
				oldLevel = sib.DangerLevel.String()
				rose = danger > *sib.DangerLevel
			}

			if _, err := tx.ExecContext(ctx, `UPDATE messages SET labels = ?, danger_level = ? WHERE id = ?;`,
				label.EncodeSet(updated), int64(danger), sib.ID); err != nil {
				return fmt.Errorf("update sibling %d: %w", sib.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO message_stats (message_id, date, danger_level) VALUES (?, ?, ?);`,
				sib.ID, sib.Date, int64(danger)); err != nil {
				return fmt.Errorf("append stats for %d: %w", sib.ID, err)
			}

			if rose {
				top := ""
				for l := range updated {
					if l.Danger() == danger {
						top = string(l)
						break
					}
				}
				res.DangerChanges = append(res.DangerChanges, bus.DangerChangedEvent{
					MessageID: sib.ID,
					SenderID:  sib.SenderUserID,
					Source:    string(sib.Source),
					OldLevel:  oldLevel,
					NewLevel:  danger.String(),
					Label:     top,
				})
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE messages SET `+col+` = 1 WHERE id = ?;`, trigger.ID); err != nil {
			return fmt.Errorf("mark field processed: %w", err)
		}

		tokens := make([]string, 0, len(newLabels))
		for l := range newLabels {
			tokens = append(tokens, string(l))
		}
		labeled = bus.MessageLabeledEvent{
			MessageID: trigger.ID,
			SenderID:  trigger.SenderUserID,
			ChatID:    trigger.ChatID,
			Source:    string(trigger.Source),
			Field:     string(field),
			Labels:    tokens,
			Siblings:  len(siblings),
		}
		return nil
	})
	if err != nil {
		return AggregateResult{}, err
	}

	if res.Siblings > 0 {
		s.publish(bus.TopicMessageLabeled, labeled)
		for _, ev := range res.DangerChanges {
			s.publish(bus.TopicDangerChanged, ev)
		}
	}
	return res, nil
}

// SetDangerManually overrides a single message's danger level without
// touching labels or siblings. Used by the review surface; the override
// still feeds the stats ledger and the danger-changed stream.
func (s *Store) SetDangerManually(ctx context.Context, messageID int64, level label.DangerLevel) error {
	var ev bus.DangerChangedEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, messageID)
		m, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET danger_level = ? WHERE id = ?;`, int64(level), messageID); err != nil {
			return fmt.Errorf("set danger: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_stats (message_id, date, danger_level) VALUES (?, ?, ?);`,
			messageID, m.Date, int64(level)); err != nil {
			return fmt.Errorf("append stats: %w", err)
		}
		old := ""
		if m.DangerLevel != nil {
			old = m.DangerLevel.String()
		}
		ev = bus.DangerChangedEvent{
			MessageID: messageID,
			SenderID:  m.SenderUserID,
			Source:    string(m.Source),
			OldLevel:  old,
			NewLevel:  level.String(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicDangerChanged, ev)
	return nil
}

// AddLabelsForUser applies account-scoped labels across every message the
// user has sent, recomputing each message's danger. Account scans land
// here rather than through the sibling window.
func (s *Store) AddLabelsForUser(ctx context.Context, userID int64, labels label.Set) error {
	if len(labels) == 0 {
		return nil
	}
	var changes []bus.DangerChangedEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		changes = changes[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE sender_user_id = ?;`, userID)
		if err != nil {
			return fmt.Errorf("load user messages: %w", err)
		}
		var msgs []Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan message: %w", err)
			}
			msgs = append(msgs, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, m := range msgs {
			updated := m.Labels.Union(labels)
			danger := updated.MaxDanger()
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET labels = ?, danger_level = ? WHERE id = ?;`,
				label.EncodeSet(updated), int64(danger), m.ID); err != nil {
				return fmt.Errorf("update message %d: %w", m.ID, err)
			}
			if m.DangerLevel == nil || danger > *m.DangerLevel {
				old := ""
				if m.DangerLevel != nil {
					old = m.DangerLevel.String()
				}
				changes = append(changes, bus.DangerChangedEvent{
					MessageID: m.ID,
					SenderID:  m.SenderUserID,
					Source:    string(m.Source),
					OldLevel:  old,
					NewLevel:  danger.String(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range changes {
		s.publish(bus.TopicDangerChanged, ev)
	}
	return nil
}
