package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maksec/msgguard/internal/label"
)

// ErrMissingPrecondition is returned when a message references a user or
// chat that does not exist yet. The write is dropped, never fatal.
var ErrMissingPrecondition = errors.New("missing user or chat for message")

// URLSpan is an (offset, length) pair locating a URL inside the text.
type URLSpan struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Message is one inbound messenger event after identity resolution.
// Content fields are optional; each non-null field must be analyzed
// independently before the message counts as fully processed.
type Message struct {
	ID           int64        `json:"id"`
	Source       label.Source `json:"source"`
	SenderUserID int64        `json:"sender_user_id"`
	ChatID       int64        `json:"chat_id"`
	IsOutgoing   bool         `json:"is_outgoing"`
	Date         int64        `json:"date"`

	Text          string    `json:"text,omitempty"`
	TextProcessed bool      `json:"text_processed"`
	URLSpans      []URLSpan `json:"url_spans,omitempty"`
	URLsProcessed bool      `json:"urls_processed"`

	RemotePhotoID   string `json:"remote_photo_id,omitempty"`
	LocalPhotoPath  string `json:"local_photo_path,omitempty"`
	PhotoSize       int64  `json:"photo_size,omitempty"`
	PhotoDownloaded bool   `json:"photo_downloaded"`
	PhotoProcessed  bool   `json:"photo_processed"`

	RemoteDocumentID   string `json:"remote_document_id,omitempty"`
	LocalDocumentPath  string `json:"local_document_path,omitempty"`
	DocumentSize       int64  `json:"document_size,omitempty"`
	DocumentDownloaded bool   `json:"document_downloaded"`
	DocumentProcessed  bool   `json:"document_processed"`

	RemoteVoiceID   string `json:"remote_voice_id,omitempty"`
	VoiceProcessed  bool   `json:"voice_processed"`
	VoiceTranscript string `json:"voice_transcript,omitempty"`

	Labels          label.Set           `json:"labels"`
	DangerLevel     *label.DangerLevel  `json:"danger_level,omitempty"`
	MessageAction   label.MessageAction `json:"message_action,omitempty"`
	RelativeChecked bool                `json:"relative_checked"`
	NotifiedRel     bool                `json:"notified_relative"`
	NotifiedUser    bool                `json:"notified_user"`

	CreatedAt int64 `json:"created_at"`
}

// FullyProcessed reports whether every non-null tracked content field has
// completed analysis. Absent fields are vacuously processed; voice does
// not participate.
func (m Message) FullyProcessed() bool {
	if len(m.URLSpans) > 0 && !m.URLsProcessed {
		return false
	}
	if m.Text != "" && !m.TextProcessed {
		return false
	}
	if m.RemotePhotoID != "" && !m.PhotoProcessed {
		return false
	}
	if m.RemoteDocumentID != "" && !m.DocumentProcessed {
		return false
	}
	return true
}

// MessageID derives the deterministic id for an inbound event: first 8
// bytes of SHA-256 over "sender|timestamp|text", sign bit cleared.
// Re-delivery of the same event always maps to the same row.
func MessageID(senderExternalID string, timestamp int64, text string) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", senderExternalID, timestamp, text)))
	v := int64(binary.BigEndian.Uint64(sum[:8]))
	if v < 0 {
		v = -v
	}
	return v
}

func encodeURLSpans(spans []URLSpan) sql.NullString {
	if len(spans) == 0 {
		return sql.NullString{}
	}
	parts := make([]string, len(spans))
	for i, sp := range spans {
		parts[i] = fmt.Sprintf("%d,%d", sp.Offset, sp.Length)
	}
	return sql.NullString{String: strings.Join(parts, ";"), Valid: true}
}

func decodeURLSpans(data sql.NullString) []URLSpan {
	if !data.Valid || data.String == "" {
		return nil
	}
	var out []URLSpan
	for _, part := range strings.Split(data.String, ";") {
		var sp URLSpan
		if _, err := fmt.Sscanf(part, "%d,%d", &sp.Offset, &sp.Length); err == nil {
			out = append(out, sp)
		}
	}
	return out
}

const messageColumns = `id, source, sender_user_id, chat_id, is_outgoing, date,
	text, text_processed, url_spans, urls_processed,
	remote_photo_id, local_photo_path, photo_size, photo_downloaded, photo_processed,
	remote_document_id, local_document_path, document_size, document_downloaded, document_processed,
	remote_voice_id, voice_processed, voice_transcript,
	labels, danger_level, message_action, relative_checked, notified_relative, notified_user, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var text, urlSpans, photoID, photoPath, docID, docPath, voiceID, transcript, action sql.NullString
	var photoSize, docSize sql.NullInt64
	var danger sql.NullInt64
	var labels string
	err := row.Scan(&m.ID, &m.Source, &m.SenderUserID, &m.ChatID, &m.IsOutgoing, &m.Date,
		&text, &m.TextProcessed, &urlSpans, &m.URLsProcessed,
		&photoID, &photoPath, &photoSize, &m.PhotoDownloaded, &m.PhotoProcessed,
		&docID, &docPath, &docSize, &m.DocumentDownloaded, &m.DocumentProcessed,
		&voiceID, &m.VoiceProcessed, &transcript,
		&labels, &danger, &action, &m.RelativeChecked, &m.NotifiedRel, &m.NotifiedUser, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.Text = text.String
	m.URLSpans = decodeURLSpans(urlSpans)
	m.RemotePhotoID = photoID.String
	m.LocalPhotoPath = photoPath.String
	m.PhotoSize = photoSize.Int64
	m.RemoteDocumentID = docID.String
	m.LocalDocumentPath = docPath.String
	m.DocumentSize = docSize.Int64
	m.RemoteVoiceID = voiceID.String
	m.VoiceTranscript = transcript.String
	m.Labels = label.DecodeSet(labels)
	if danger.Valid {
		d := label.DangerLevel(danger.Int64)
		m.DangerLevel = &d
	}
	m.MessageAction = label.MessageAction(action.String)
	return m, nil
}

func upsertMessageTx(ctx context.Context, tx *sql.Tx, m Message) error {
	var danger sql.NullInt64
	if m.DangerLevel != nil {
		danger = sql.NullInt64{Int64: int64(*m.DangerLevel), Valid: true}
	}
	var action sql.NullString
	if m.MessageAction != "" {
		action = sql.NullString{String: string(m.MessageAction), Valid: true}
	}
	var photoSize, docSize sql.NullInt64
	if m.PhotoSize != 0 {
		photoSize = sql.NullInt64{Int64: m.PhotoSize, Valid: true}
	}
	if m.DocumentSize != 0 {
		docSize = sql.NullInt64{Int64: m.DocumentSize, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, source, sender_user_id, chat_id, is_outgoing, date,
			text, text_processed, url_spans, urls_processed,
			remote_photo_id, local_photo_path, photo_size, photo_downloaded, photo_processed,
			remote_document_id, local_document_path, document_size, document_downloaded, document_processed,
			remote_voice_id, voice_processed, voice_transcript,
			labels, danger_level, message_action, relative_checked, notified_relative, notified_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			text_processed = excluded.text_processed,
			url_spans = excluded.url_spans,
			urls_processed = excluded.urls_processed,
			remote_photo_id = excluded.remote_photo_id,
			local_photo_path = excluded.local_photo_path,
			photo_size = excluded.photo_size,
			photo_downloaded = excluded.photo_downloaded,
			photo_processed = excluded.photo_processed,
			remote_document_id = excluded.remote_document_id,
			local_document_path = excluded.local_document_path,
			document_size = excluded.document_size,
			document_downloaded = excluded.document_downloaded,
			document_processed = excluded.document_processed,
			remote_voice_id = excluded.remote_voice_id,
			voice_processed = excluded.voice_processed,
			voice_transcript = excluded.voice_transcript,
			labels = excluded.labels,
			danger_level = excluded.danger_level,
			message_action = excluded.message_action,
			relative_checked = excluded.relative_checked,
			notified_relative = excluded.notified_relative,
			notified_user = excluded.notified_user;
	`, m.ID, m.Source, m.SenderUserID, m.ChatID, m.IsOutgoing, m.Date,
		nullable(m.Text), m.TextProcessed, encodeURLSpans(m.URLSpans), m.URLsProcessed,
		nullable(m.RemotePhotoID), nullable(m.LocalPhotoPath), photoSize, m.PhotoDownloaded, m.PhotoProcessed,
		nullable(m.RemoteDocumentID), nullable(m.LocalDocumentPath), docSize, m.DocumentDownloaded, m.DocumentProcessed,
		nullable(m.RemoteVoiceID), m.VoiceProcessed, nullable(m.VoiceTranscript),
		label.EncodeSet(m.Labels), danger, action, m.RelativeChecked, m.NotifiedRel, m.NotifiedUser, m.CreatedAt)
	return err
}

// UpsertMessage persists a message after verifying its sender and chat
// exist. A missing precondition returns ErrMissingPrecondition and writes
// nothing.
func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	if m.Labels == nil {
		m.Labels = label.NewSet()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ?;`, m.SenderUserID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: user %d", ErrMissingPrecondition, m.SenderUserID)
			}
			return fmt.Errorf("check user: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE chat_id = ?;`, m.ChatID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: chat %d", ErrMissingPrecondition, m.ChatID)
			}
			return fmt.Errorf("check chat: %w", err)
		}
		return upsertMessageTx(ctx, tx, m)
	})
	if err != nil {
		return err
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("get message %d: %w", messageID, err)
	}
	return m, nil
}

// MessageOrder selects the sort applied by ListMessages.
type MessageOrder string

const (
	OrderDateDesc   MessageOrder = "date_desc"
	OrderDateAsc    MessageOrder = "date_asc"
	OrderDangerDesc MessageOrder = "danger_desc"
	OrderDangerAsc  MessageOrder = "danger_asc"
)

func (s *Store) ListMessages(ctx context.Context, order MessageOrder, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	clause := ""
	switch order {
	case OrderDateAsc:
		clause = "date ASC"
	case OrderDangerDesc:
		clause = "danger_level DESC"
	case OrderDangerAsc:
		clause = "danger_level ASC"
	default:
		clause = "date DESC"
	}
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY `+clause+` LIMIT ?;`, limit)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// MessagesBySender returns every message a user has sent, oldest first.
func (s *Store) MessagesBySender(ctx context.Context, senderID int64) ([]Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE sender_user_id = ? ORDER BY date ASC;`, senderID)
}

// UnprocessedMessages returns messages whose given field is present and not
// yet analyzed. Photo and document pulls additionally require the media to
// be downloaded.
func (s *Store) UnprocessedMessages(ctx context.Context, field label.Field, source label.Source) ([]Message, error) {
	var cond string
	switch field {
	case label.FieldURL:
		cond = `url_spans IS NOT NULL AND urls_processed = 0`
	case label.FieldText:
		cond = `text IS NOT NULL AND text_processed = 0`
	case label.FieldPhoto:
		cond = `remote_photo_id IS NOT NULL AND photo_processed = 0 AND photo_downloaded = 1`
	case label.FieldDocument:
		cond = `remote_document_id IS NOT NULL AND document_processed = 0 AND document_downloaded = 1`
	case label.FieldVoice:
		cond = `remote_voice_id IS NOT NULL AND voice_processed = 0`
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+cond+` AND source = ? ORDER BY date ASC;`, source)
}

// fullyProcessedSQL mirrors Message.FullyProcessed at the query level.
const fullyProcessedSQL = `
	(url_spans IS NULL OR urls_processed = 1) AND
	(text IS NULL OR text_processed = 1) AND
	(remote_photo_id IS NULL OR photo_processed = 1) AND
	(remote_document_id IS NULL OR document_processed = 1)`

// ProcessedNotNotified returns fully-processed messages whose user
// notification has not fired yet, for one source.
func (s *Store) ProcessedNotNotified(ctx context.Context, source label.Source) ([]Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+fullyProcessedSQL+`
		AND source = ? AND notified_user = 0 ORDER BY date ASC;`, source)
}

// ProcessedForRelativeCheck returns fully-processed messages whose
// relative-notification track has not been evaluated.
func (s *Store) ProcessedForRelativeCheck(ctx context.Context) ([]Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+fullyProcessedSQL+`
		AND relative_checked = 0 ORDER BY date ASC;`)
}

// MarkNotifiedUser flips the user-notify flag. Called only after a
// successful dispatch so a failed delivery stays eligible for retry.
func (s *Store) MarkNotifiedUser(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET notified_user = 1 WHERE id = ?;`, messageID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// MarkNotifiedRelative records a fired relative notification and closes
// the track.
func (s *Store) MarkNotifiedRelative(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET notified_relative = 1, relative_checked = 1 WHERE id = ?;`, messageID)
	if err != nil {
		return fmt.Errorf("mark notified relative: %w", err)
	}
	return nil
}

// MarkRelativeChecked closes the relative track without a notification.
func (s *Store) MarkRelativeChecked(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET relative_checked = 1 WHERE id = ?;`, messageID)
	if err != nil {
		return fmt.Errorf("mark relative checked: %w", err)
	}
	return nil
}

func (s *Store) SetMessageAction(ctx context.Context, messageID int64, action label.MessageAction) error {
	var v sql.NullString
	if action != "" {
		v = sql.NullString{String: string(action), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET message_action = ? WHERE id = ?;`, v, messageID)
	if err != nil {
		return fmt.Errorf("set message action: %w", err)
	}
	return nil
}

// MarkActionByChat applies a terminal action to every message of a chat.
func (s *Store) MarkActionByChat(ctx context.Context, chatID int64, action label.MessageAction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET message_action = ? WHERE chat_id = ?;`, string(action), chatID)
	if err != nil {
		return 0, fmt.Errorf("mark action by chat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkActionByIDs applies a terminal action to an explicit id list.
func (s *Store) MarkActionByIDs(ctx context.Context, messageIDs []int64, action label.MessageAction) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, string(action))
	for _, id := range messageIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET message_action = ? WHERE id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark action by ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkFieldSkipped completes a field without analysis, recording the
// SKIPPED disposition. Used when the sender is gated out of analysis.
func (s *Store) MarkFieldSkipped(ctx context.Context, messageID int64, field label.Field) error {
	col, ok := processedColumn[field]
	if !ok {
		return fmt.Errorf("unknown field %q", field)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET `+col+` = 1, message_action = ? WHERE id = ?;`,
		string(label.ActionSkipped), messageID)
	if err != nil {
		return fmt.Errorf("mark field skipped: %w", err)
	}
	return nil
}

// SetVoiceTranscript records a completed voice transcription by remote id.
func (s *Store) SetVoiceTranscript(ctx context.Context, remoteVoiceID, transcript string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET voice_transcript = ?, voice_processed = 1 WHERE remote_voice_id = ?;
	`, transcript, remoteVoiceID)
	if err != nil {
		return fmt.Errorf("set voice transcript: %w", err)
	}
	return nil
}

// SetPhotoDownloaded records local media availability by remote id.
func (s *Store) SetPhotoDownloaded(ctx context.Context, remotePhotoID, localPath string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET local_photo_path = ?, photo_size = ?, photo_downloaded = 1 WHERE remote_photo_id = ?;
	`, localPath, size, remotePhotoID)
	if err != nil {
		return fmt.Errorf("set photo downloaded: %w", err)
	}
	return nil
}

// SetDocumentDownloaded records local media availability by remote id.
func (s *Store) SetDocumentDownloaded(ctx context.Context, remoteDocumentID, localPath string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET local_document_path = ?, document_size = ?, document_downloaded = 1 WHERE remote_document_id = ?;
	`, localPath, size, remoteDocumentID)
	if err != nil {
		return fmt.Errorf("set document downloaded: %w", err)
	}
	return nil
}

// LabelCount counts messages carrying the given label.
func (s *Store) LabelCount(ctx context.Context, l label.Label) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE labels LIKE '%' || ? || '%';`, string(l)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("label count: %w", err)
	}
	return n, nil
}

// LastMessageDate returns the newest message date, or 0 when empty.
func (s *Store) LastMessageDate(ctx context.Context) (int64, error) {
	var date sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(date) FROM messages;`).Scan(&date)
	if err != nil {
		return 0, fmt.Errorf("last message date: %w", err)
	}
	return date.Int64, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteBySource purges every message, user and chat of one source in a
// single transaction, messages first so foreign keys stay satisfied.
func (s *Store) DeleteBySource(ctx context.Context, source label.Source) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE source = ?;`,
			`DELETE FROM users WHERE source = ?;`,
			`DELETE FROM chats WHERE source = ?;`,
			`DELETE FROM outbox WHERE source = ?;`,
		} {
			if _, err := tx.ExecContext(ctx, q, source); err != nil {
				return fmt.Errorf("delete by source: %w", err)
			}
		}
		return nil
	})
}

// Reset drops all pipeline state.
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages;`,
			`DELETE FROM users;`,
			`DELETE FROM chats;`,
			`DELETE FROM message_stats;`,
			`DELETE FROM outbox;`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
		}
		return nil
	})
}
