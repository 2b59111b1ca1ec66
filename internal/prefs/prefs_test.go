package prefs_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

func newTestPrefs(t *testing.T) (*prefs.Prefs, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "msgguard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := bus.New()
	return prefs.New(st, b, nil), b
}

func TestNotifyForLevel_Defaults(t *testing.T) {
	p, _ := newTestPrefs(t)
	ctx := context.Background()

	if !p.NotifyForLevel(ctx, label.Critical) {
		t.Fatal("critical alerts must default on")
	}
	if p.NotifyForLevel(ctx, label.Suspicious) {
		t.Fatal("suspicious alerts must default off")
	}
	if p.NotifyForLevel(ctx, label.Safe) {
		t.Fatal("safe must never notify")
	}
}

func TestSetNotify_PersistsAndPublishes(t *testing.T) {
	p, b := newTestPrefs(t)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicPrefsChanged)
	defer b.Unsubscribe(sub)

	if err := p.SetNotifySuspicious(ctx, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !p.NotifyForLevel(ctx, label.Suspicious) {
		t.Fatal("setting did not take effect")
	}

	select {
	case msg := <-sub.Ch():
		ev, ok := msg.Payload.(bus.PrefsChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload: %T", msg.Payload)
		}
		if ev.Key != prefs.KeyNotifySuspicious || !ev.Value {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no prefs.changed event published")
	}
}

func TestShouldAnalyze_Gates(t *testing.T) {
	p, _ := newTestPrefs(t)
	ctx := context.Background()

	stranger := store.User{UserID: 1}
	contact := store.User{UserID: 2, IsContact: true}
	ignored := store.User{UserID: 3, IsIgnored: true}

	if !p.ShouldAnalyze(ctx, stranger, false) {
		t.Fatal("strangers analyzed by default")
	}
	if p.ShouldAnalyze(ctx, contact, false) {
		t.Fatal("contacts skipped by default")
	}
	if p.ShouldAnalyze(ctx, ignored, false) {
		t.Fatal("ignored senders never analyzed")
	}
	if p.ShouldAnalyze(ctx, stranger, true) {
		t.Fatal("outgoing messages never analyzed")
	}

	if err := p.SetAnalyzeContacts(ctx, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !p.ShouldAnalyze(ctx, contact, false) {
		t.Fatal("contact analysis toggle ignored")
	}
}

func TestDefendEnabled_PerSource(t *testing.T) {
	p, _ := newTestPrefs(t)
	ctx := context.Background()

	if !p.DefendEnabled(ctx, label.SourceTelegram) {
		t.Fatal("sources defended by default")
	}
	if err := p.SetDefendEnabled(ctx, label.SourceTelegram, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if p.DefendEnabled(ctx, label.SourceTelegram) {
		t.Fatal("defend toggle ignored")
	}
	if !p.DefendEnabled(ctx, label.SourceSMS) {
		t.Fatal("toggle leaked across sources")
	}
}

func TestAutoBlockExceptions_RoundTrip(t *testing.T) {
	p, _ := newTestPrefs(t)
	ctx := context.Background()

	if p.IsAutoBlockException(ctx, label.SourceSMS, label.FraudulentChat) {
		t.Fatal("empty exception list must exempt nothing")
	}
	err := p.SetAutoBlockExceptions(ctx, map[label.Source][]label.Label{
		label.SourceSMS: {label.SuspiciousChat},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !p.IsAutoBlockException(ctx, label.SourceSMS, label.SuspiciousChat) {
		t.Fatal("exception not honored")
	}
	if p.IsAutoBlockException(ctx, label.SourceTelegram, label.SuspiciousChat) {
		t.Fatal("exception leaked across sources")
	}
}
