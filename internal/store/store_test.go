package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "msgguard.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, dbPath
}

// seedConversation inserts a sender, a peer chat and returns their ids.
func seedConversation(t *testing.T, st *store.Store, source label.Source, externalID string) (userID, chatID int64) {
	t.Helper()
	ctx := context.Background()
	userID = store.ResolveUserID(source, externalID)
	if err := st.UpsertUser(ctx, store.User{UserID: userID, Source: source, FirstName: "Test", PhoneNumber: "+79001112233"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	chatID = userID + 1
	if err := st.UpsertChat(ctx, store.Chat{ChatID: chatID, Source: source, OppositeUserID: userID}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	return userID, chatID
}

func seedMessage(t *testing.T, st *store.Store, m store.Message) store.Message {
	t.Helper()
	if m.Date == 0 {
		m.Date = time.Now().Unix()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	if err := st.UpsertMessage(context.Background(), m); err != nil {
		t.Fatalf("upsert message %d: %v", m.ID, err)
	}
	return m
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_migrations", "users", "chats", "messages", "message_stats", "kv_store", "outbox"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	st, _ := openTestStore(t)

	var version int
	var checksum string
	err := st.DB().QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestStore_ReopenSameSchemaSucceeds(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "msgguard.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st2, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = st2.Close()
}

func TestStore_ReopenChecksumMismatchFails(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "msgguard.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered'"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = st.Close()

	if _, err := store.Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_KVRoundTrip(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetKV(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.SetKV(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.SetKV(ctx, "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := st.GetKV(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}

	if err := st.SetKVBool(ctx, "flag", true); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	v, err := st.GetKVBool(ctx, "flag", false)
	if err != nil || !v {
		t.Fatalf("expected true, got %v err=%v", v, err)
	}
	// Missing key falls back to the default.
	v, err = st.GetKVBool(ctx, "never-set", true)
	if err != nil || !v {
		t.Fatalf("expected default true, got %v err=%v", v, err)
	}
}

func TestStore_ForeignKeyCascadeOnUserDelete(t *testing.T) {
	st, _ := openTestStore(t)
	userID, chatID := seedConversation(t, st, label.SourceSMS, "+79001112233")
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceSMS, SenderUserID: userID, ChatID: chatID, Text: "hi"})

	if _, err := st.DB().Exec("DELETE FROM users WHERE user_id = ?", userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var n int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected cascade delete, %d messages remain", n)
	}
}
