package dispatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/channels"
	"github.com/maksec/msgguard/internal/dispatch"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/license"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []channels.Alert
	fail bool
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(_ context.Context, a channels.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("delivery down")
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeChannel) alerts() []channels.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channels.Alert(nil), f.sent...)
}

func (f *fakeChannel) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

type fixture struct {
	st    *store.Store
	prefs *prefs.Prefs
	lic   *license.Gate
	user  *fakeChannel
	rel   *fakeChannel
	gate  *dispatch.Gate
}

func newFixture(t *testing.T, licensed bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "msgguard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	licPath := filepath.Join(dir, "license.yaml")
	if licensed {
		if err := os.WriteFile(licPath, []byte("key: lic-1\nfeatures: [relative_alerts]\n"), 0o600); err != nil {
			t.Fatalf("write license: %v", err)
		}
	}
	lic := license.NewGate(licPath, nil)

	p := prefs.New(st, nil, nil)
	user := &fakeChannel{}
	rel := &fakeChannel{}
	gate := dispatch.NewGate(st, p, lic, nil, nil, user, rel,
		[]label.Source{label.SourceSMS}, time.Second)
	return &fixture{st: st, prefs: p, lic: lic, user: user, rel: rel, gate: gate}
}

func seedProcessed(t *testing.T, st *store.Store, id int64, level label.DangerLevel) {
	t.Helper()
	ctx := context.Background()
	userID := store.ResolveUserID(label.SourceSMS, "+79001112233")
	if err := st.UpsertUser(ctx, store.User{UserID: userID, Source: label.SourceSMS, FirstName: "Ann"}); err != nil {
		t.Fatalf("user: %v", err)
	}
	if err := st.UpsertChat(ctx, store.Chat{ChatID: userID + 1, Source: label.SourceSMS}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	now := time.Now().Unix()
	m := store.Message{
		ID: id, Source: label.SourceSMS, SenderUserID: userID, ChatID: userID + 1,
		Text: "msg", TextProcessed: true, Date: now, CreatedAt: now,
		DangerLevel: &level,
	}
	if err := st.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("message: %v", err)
	}
}

func TestUserTrack_CriticalAlertFiresOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	seedProcessed(t, f.st, 1, label.Critical)

	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(f.user.alerts()))
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if !m.NotifiedUser {
		t.Fatal("notified flag not set after delivery")
	}

	// Second pass must not refire.
	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 1 {
		t.Fatalf("alert refired: %d", len(f.user.alerts()))
	}
}

func TestUserTrack_FailedDeliveryStaysEligible(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	seedProcessed(t, f.st, 1, label.Critical)

	f.user.setFail(true)
	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 0 {
		t.Fatal("alert recorded despite failure")
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if m.NotifiedUser {
		t.Fatal("flag set after failed delivery")
	}

	f.user.setFail(false)
	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 1 {
		t.Fatalf("retry did not deliver: %d", len(f.user.alerts()))
	}
}

func TestUserTrack_BelowThresholdRetiresQuietly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	// Suspicious alerts default off.
	seedProcessed(t, f.st, 1, label.Suspicious)

	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 0 {
		t.Fatal("below-threshold message alerted")
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if !m.NotifiedUser {
		t.Fatal("below-threshold message not retired")
	}
}

func TestUserTrack_SuspiciousFiresWhenEnabled(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.prefs.SetNotifySuspicious(ctx, true); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	seedProcessed(t, f.st, 1, label.Suspicious)

	f.gate.RunOnce(ctx)
	alerts := f.user.alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Level != label.Suspicious || alerts[0].Track != "user" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

func TestUserTrack_IgnoredSenderRetiresQuietly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	seedProcessed(t, f.st, 1, label.Critical)
	senderID := store.ResolveUserID(label.SourceSMS, "+79001112233")
	if err := f.st.SetUserIgnored(ctx, senderID, true, 1); err != nil {
		t.Fatalf("ignore: %v", err)
	}

	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 0 {
		t.Fatalf("ignored sender alerted: %d", len(f.user.alerts()))
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if !m.NotifiedUser {
		t.Fatal("ignored sender's message not retired")
	}
}

func TestUserTrack_DisabledSourceKeepsQueue(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	seedProcessed(t, f.st, 1, label.Critical)
	if err := f.prefs.SetDefendEnabled(ctx, label.SourceSMS, false); err != nil {
		t.Fatalf("prefs: %v", err)
	}

	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 0 {
		t.Fatal("disabled source alerted")
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if m.NotifiedUser {
		t.Fatal("disabled source retired its queue")
	}

	// Re-enabling resumes delivery of the parked message.
	if err := f.prefs.SetDefendEnabled(ctx, label.SourceSMS, true); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	f.gate.RunOnce(ctx)
	if len(f.user.alerts()) != 1 {
		t.Fatalf("re-enabled source did not deliver: %d", len(f.user.alerts()))
	}
}

func TestRelativeTrack_RequiresPrefAndLicense(t *testing.T) {
	// Licensed but pref off: closes the track silently.
	f := newFixture(t, true)
	ctx := context.Background()
	seedProcessed(t, f.st, 1, label.Critical)
	f.gate.RunOnce(ctx)
	if len(f.rel.alerts()) != 0 {
		t.Fatal("relative alert fired with pref off")
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if !m.RelativeChecked || m.NotifiedRel {
		t.Fatalf("track not closed correctly: %+v", m)
	}

	// Pref on but unlicensed: also closes silently.
	f2 := newFixture(t, false)
	if err := f2.prefs.SetNotifyRelative(ctx, true); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	seedProcessed(t, f2.st, 1, label.Critical)
	f2.gate.RunOnce(ctx)
	if len(f2.rel.alerts()) != 0 {
		t.Fatal("relative alert fired without license")
	}
	m2, _ := f2.st.GetMessage(ctx, 1)
	if !m2.RelativeChecked {
		t.Fatal("unlicensed track not closed")
	}
}

func TestRelativeTrack_FiresOnCriticalWhenLicensed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.prefs.SetNotifyRelative(ctx, true); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	seedProcessed(t, f.st, 1, label.Critical)
	seedProcessed(t, f.st, 2, label.Suspicious)

	f.gate.RunOnce(ctx)
	alerts := f.rel.alerts()
	if len(alerts) != 1 || alerts[0].MessageID != 1 {
		t.Fatalf("expected one critical relative alert, got %+v", alerts)
	}
	m, _ := f.st.GetMessage(ctx, 1)
	if !m.NotifiedRel || !m.RelativeChecked {
		t.Fatalf("relative flags wrong: %+v", m)
	}
	// Suspicious message closed without alert.
	m2, _ := f.st.GetMessage(ctx, 2)
	if !m2.RelativeChecked || m2.NotifiedRel {
		t.Fatalf("suspicious message track wrong: %+v", m2)
	}

	// One-time evaluation: no refire.
	f.gate.RunOnce(ctx)
	if len(f.rel.alerts()) != 1 {
		t.Fatal("relative alert refired")
	}
}

func TestDispatch_PublishesNotificationEvents(t *testing.T) {
	b := bus.New()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "msgguard.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := prefs.New(st, b, nil)
	user := &fakeChannel{}
	gate := dispatch.NewGate(st, p, license.NewGate(filepath.Join(dir, "none.yaml"), nil), b, nil,
		user, &fakeChannel{}, []label.Source{label.SourceSMS}, time.Second)

	sub := b.Subscribe(bus.TopicUserNotified)
	defer b.Unsubscribe(sub)
	seedProcessed(t, st, 1, label.Critical)
	gate.RunOnce(context.Background())

	select {
	case msg := <-sub.Ch():
		ev, ok := msg.Payload.(bus.NotificationEvent)
		if !ok || ev.MessageID != 1 || ev.Track != "user" {
			t.Fatalf("unexpected event: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification event")
	}
}
