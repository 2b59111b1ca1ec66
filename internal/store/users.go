package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
)

// ErrNotFound is returned by point lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

// User is a stable local identity for a messenger sender.
type User struct {
	UserID      int64        `json:"user_id"`
	Source      label.Source `json:"source"`
	UserName    string       `json:"user_name,omitempty"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	PhoneNumber string       `json:"phone_number,omitempty"`
	IsContact   bool         `json:"is_contact"`
	IsIgnored   bool         `json:"is_ignored"`
	IsBlocked   bool         `json:"is_blocked"`
	Tag         label.Tag    `json:"tag,omitempty"`
	SpamTags    int          `json:"spam_tags"`
	ScamTags    int          `json:"scam_tags"`
	SafeTags    int          `json:"safe_tags"`
	AdTags      int          `json:"ad_tags"`
}

// ReadableName mirrors the display-name fallback chain: full name, then
// username, then phone, then the numeric id.
func (u User) ReadableName() string {
	if u.FirstName != "" || u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.UserName != "" {
		return u.UserName
	}
	if u.PhoneNumber != "" {
		return u.PhoneNumber
	}
	return fmt.Sprintf("%d", u.UserID)
}

// ResolveUserID derives the stable local id for an external identity.
// FNV-64a over "source|externalID", sign bit cleared so ids stay positive.
// Deterministic: repeated deliveries of the same identity map to the same
// id without a prior lookup.
func ResolveUserID(source label.Source, externalID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(source)))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(externalID))
	return int64(h.Sum64() &^ (1 << 63))
}

// UpsertUser inserts or refreshes a user row. Display and contact-derived
// fields are overwritten; the mutable protection fields (ignored, blocked,
// tag, tag counters) are preserved on conflict.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	var tag sql.NullString
	if u.Tag != "" {
		tag = sql.NullString{String: string(u.Tag), Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (user_id, source, user_name, first_name, last_name, phone_number, is_contact, is_ignored, is_blocked, tag, spam_tags, scam_tags, safe_tags, ad_tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				user_name = excluded.user_name,
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				phone_number = excluded.phone_number,
				is_contact = excluded.is_contact,
				updated_at = CURRENT_TIMESTAMP;
		`, u.UserID, u.Source, nullable(u.UserName), nullable(u.FirstName), nullable(u.LastName), nullable(u.PhoneNumber),
			u.IsContact, u.IsIgnored, u.IsBlocked, tag, u.SpamTags, u.ScamTags, u.SafeTags, u.AdTags)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.UserID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

const userColumns = `user_id, source, user_name, first_name, last_name, phone_number, is_contact, is_ignored, is_blocked, tag, spam_tags, scam_tags, safe_tags, ad_tags`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var userName, firstName, lastName, phone, tag sql.NullString
	err := row.Scan(&u.UserID, &u.Source, &userName, &firstName, &lastName, &phone,
		&u.IsContact, &u.IsIgnored, &u.IsBlocked, &tag, &u.SpamTags, &u.ScamTags, &u.SafeTags, &u.AdTags)
	if err != nil {
		return u, err
	}
	u.UserName = userName.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.PhoneNumber = phone.String
	u.Tag = label.Tag(tag.String)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?;`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

func (s *Store) listUsers(ctx context.Context, where string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users `+where+` ORDER BY user_id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("user rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "")
}

func (s *Store) ListIgnoredUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "WHERE is_ignored = 1")
}

func (s *Store) ListBlockedUsers(ctx context.Context) ([]User, error) {
	return s.listUsers(ctx, "WHERE is_blocked = 1")
}

// BlockedUserCount feeds the dashboard counter.
func (s *Store) BlockedUserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE is_blocked = 1;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blocked users: %w", err)
	}
	return n, nil
}

// SetUserIgnored flips the ignore flag and, when a message id is given,
// records the IGNORED action on that message in the same transaction.
func (s *Store) SetUserIgnored(ctx context.Context, userID int64, ignored bool, messageID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET is_ignored = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, ignored, userID)
		if err != nil {
			return fmt.Errorf("set ignored: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if messageID == 0 {
			return nil
		}
		var action sql.NullString
		if ignored {
			action = sql.NullString{String: string(label.ActionIgnored), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET message_action = ? WHERE id = ?;`, action, messageID); err != nil {
			return fmt.Errorf("set message action: %w", err)
		}
		return nil
	})
}

// SetUserBlocked flips the block flag. Blocking publishes the event with
// the user's source and, when known, the triggering message and label;
// a zero messageID means the block came without a specific trigger.
func (s *Store) SetUserBlocked(ctx context.Context, userID int64, blocked bool, messageID int64, cause label.Label) error {
	var source string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT source FROM users WHERE user_id = ?;`, userID).Scan(&source); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET is_blocked = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, blocked, userID); err != nil {
			return fmt.Errorf("set blocked: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if blocked {
		s.publish(bus.TopicUserBlocked, bus.UserBlockedEvent{
			UserID:    userID,
			Source:    source,
			MessageID: messageID,
			Label:     string(cause),
		})
	}
	return nil
}

// SetUserTag records a manual tag assignment: the current tag is replaced
// and the matching counter incremented, atomically.
func (s *Store) SetUserTag(ctx context.Context, userID int64, tag label.Tag) error {
	column := ""
	switch tag {
	case label.TagSpam:
		column = "spam_tags"
	case label.TagScam:
		column = "scam_tags"
	case label.TagSafe:
		column = "safe_tags"
	case label.TagAd:
		column = "ad_tags"
	default:
		return fmt.Errorf("unknown tag %q", tag)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE users SET tag = ?, %s = %s + 1, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, column, column),
			string(tag), userID)
		if err != nil {
			return fmt.Errorf("set tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClearUserTag removes the current tag without touching the counters.
func (s *Store) ClearUserTag(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET tag = NULL, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, userID)
	if err != nil {
		return fmt.Errorf("clear tag: %w", err)
	}
	return nil
}

// TagCount returns how many times a user has been marked with the tag.
func (s *Store) TagCount(ctx context.Context, userID int64, tag label.Tag) (int, error) {
	column := ""
	switch tag {
	case label.TagSpam:
		column = "spam_tags"
	case label.TagScam:
		column = "scam_tags"
	case label.TagSafe:
		column = "safe_tags"
	case label.TagAd:
		column = "ad_tags"
	default:
		return 0, fmt.Errorf("unknown tag %q", tag)
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM users WHERE user_id = ?;`, column), userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("tag count: %w", err)
	}
	return n, nil
}

// UserLabels flattens the label sets of every message a user has sent.
func (s *Store) UserLabels(ctx context.Context, userID int64) (label.Set, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT labels FROM messages WHERE sender_user_id = ?;`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user labels: %w", err)
	}
	defer rows.Close()

	out := label.NewSet()
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan labels: %w", err)
		}
		for l := range label.DecodeSet(encoded) {
			out.Add(l)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("label rows: %w", err)
	}
	return out, nil
}

// UserAccountLabels restricts UserLabels to the account-scan vocabulary.
func (s *Store) UserAccountLabels(ctx context.Context, userID int64) (label.Set, error) {
	all, err := s.UserLabels(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := label.NewSet()
	for l := range all {
		switch l {
		case label.FraudulentAccount, label.SuspiciousAccount, label.SafeAccount:
			out.Add(l)
		}
	}
	return out, nil
}
