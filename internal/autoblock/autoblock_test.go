package autoblock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/maksec/msgguard/internal/autoblock"
	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

func newFixture(t *testing.T) (*autoblock.Blocker, *store.Store, *prefs.Prefs, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "msgguard.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := prefs.New(st, b, nil)
	return autoblock.New(st, p, b, nil), st, p, b
}

func seedSender(t *testing.T, st *store.Store) (userID int64) {
	t.Helper()
	ctx := context.Background()
	userID = store.ResolveUserID(label.SourceSMS, "+7900")
	if err := st.UpsertUser(ctx, store.User{UserID: userID, Source: label.SourceSMS}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if err := st.UpsertChat(ctx, store.Chat{ChatID: userID + 1, Source: label.SourceSMS}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	now := time.Now().Unix()
	if err := st.UpsertMessage(ctx, store.Message{ID: 1, Source: label.SourceSMS,
		SenderUserID: userID, ChatID: userID + 1, Text: "x", Date: now, CreatedAt: now}); err != nil {
		t.Fatalf("message: %v", err)
	}
	return userID
}

func criticalEvent(userID int64, l label.Label) bus.DangerChangedEvent {
	return bus.DangerChangedEvent{
		MessageID: 1,
		SenderID:  userID,
		Source:    string(label.SourceSMS),
		NewLevel:  "CRITICAL",
		Label:     string(l),
	}
}

func TestHandle_DisabledByDefault(t *testing.T) {
	a, st, _, _ := newFixture(t)
	userID := seedSender(t, st)

	a.Handle(context.Background(), criticalEvent(userID, label.FraudulentChat))
	u, _ := st.GetUser(context.Background(), userID)
	if u.IsBlocked {
		t.Fatal("blocked while rule disabled")
	}
}

func TestHandle_BlocksCriticalSender(t *testing.T) {
	a, st, p, _ := newFixture(t)
	ctx := context.Background()
	userID := seedSender(t, st)
	if err := p.SetAutoBlockEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	a.Handle(ctx, criticalEvent(userID, label.FraudulentChat))
	u, _ := st.GetUser(ctx, userID)
	if !u.IsBlocked {
		t.Fatal("critical sender not blocked")
	}
	m, _ := st.GetMessage(ctx, 1)
	if m.MessageAction != label.ActionBlock {
		t.Fatalf("expected BLOCK action, got %q", m.MessageAction)
	}
}

func TestHandle_SuspiciousNeverBlocks(t *testing.T) {
	a, st, p, _ := newFixture(t)
	ctx := context.Background()
	userID := seedSender(t, st)
	if err := p.SetAutoBlockEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	ev := criticalEvent(userID, label.SuspiciousChat)
	ev.NewLevel = "SUSPICIOUS"
	a.Handle(ctx, ev)
	u, _ := st.GetUser(ctx, userID)
	if u.IsBlocked {
		t.Fatal("suspicious escalation blocked sender")
	}
}

func TestHandle_ExceptionExemptsLabelPerSource(t *testing.T) {
	a, st, p, _ := newFixture(t)
	ctx := context.Background()
	userID := seedSender(t, st)
	if err := p.SetAutoBlockEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	err := p.SetAutoBlockExceptions(ctx, map[label.Source][]label.Label{
		label.SourceSMS: {label.FraudulentChat},
	})
	if err != nil {
		t.Fatalf("exceptions: %v", err)
	}

	a.Handle(ctx, criticalEvent(userID, label.FraudulentChat))
	u, _ := st.GetUser(ctx, userID)
	if u.IsBlocked {
		t.Fatal("excepted label triggered a block")
	}

	// A non-excepted label still blocks.
	a.Handle(ctx, criticalEvent(userID, label.FraudulentAccount))
	u, _ = st.GetUser(ctx, userID)
	if !u.IsBlocked {
		t.Fatal("non-excepted label did not block")
	}
}

func TestStart_ReactsToBusEvents(t *testing.T) {
	a, st, p, b := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	userID := seedSender(t, st)
	if err := p.SetAutoBlockEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	a.Start(ctx)
	b.Publish(bus.TopicDangerChanged, criticalEvent(userID, label.FraudulentChat))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		u, _ := st.GetUser(ctx, userID)
		if u.IsBlocked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bus event did not trigger block")
}
