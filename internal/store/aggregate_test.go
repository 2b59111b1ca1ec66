package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

func seedSiblings(t *testing.T, st *store.Store, source label.Source) (userID, chatID int64) {
	t.Helper()
	userID, chatID = seedConversation(t, st, source, "sender-1")
	now := time.Now().Unix()
	for i, text := range []string{"first", "second", "third"} {
		seedMessage(t, st, store.Message{
			ID: int64(i + 1), Source: source, SenderUserID: userID, ChatID: chatID,
			Text: text, Date: now - int64(60*(3-i)), CreatedAt: now - int64(60*(3-i)),
		})
	}
	return userID, chatID
}

func TestApplyLabels_TextVerdictPropagatesAcrossSiblings(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	seedSiblings(t, st, label.SourceTelegram)

	res, err := st.ApplyLabels(ctx, 2, label.FieldText, label.NewSet(label.SuspiciousAccount))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Siblings != 3 {
		t.Fatalf("expected 3 siblings, got %d", res.Siblings)
	}

	// Verdict label lands only on the triggering message.
	for _, id := range []int64{1, 3} {
		m, err := st.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if m.Labels.Has(label.SuspiciousAccount) {
			t.Fatalf("verdict label leaked to sibling %d", id)
		}
		if !m.Labels.Has(label.SuspiciousChat) {
			t.Fatalf("propagation label missing on sibling %d: %v", id, m.Labels)
		}
		if m.DangerLevel == nil || *m.DangerLevel != label.Suspicious {
			t.Fatalf("sibling %d danger not recomputed: %v", id, m.DangerLevel)
		}
		if m.TextProcessed {
			t.Fatalf("processed flag leaked to sibling %d", id)
		}
	}

	trigger, _ := st.GetMessage(ctx, 2)
	if !trigger.Labels.Has(label.SuspiciousAccount) || !trigger.Labels.Has(label.SuspiciousChat) {
		t.Fatalf("triggering message labels wrong: %v", trigger.Labels)
	}
	if !trigger.TextProcessed {
		t.Fatal("processed flag missing on triggering message")
	}

	// One stats row per touched sibling.
	var n int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM message_stats").Scan(&n); err != nil {
		t.Fatalf("count stats: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 stats rows, got %d", n)
	}
}

func TestApplyLabels_CriticalTextMintsFraudulentChat(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	seedSiblings(t, st, label.SourceSMS)

	if _, err := st.ApplyLabels(ctx, 1, label.FieldText, label.NewSet(label.FraudulentAccount)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	m, _ := st.GetMessage(ctx, 3)
	if !m.Labels.Has(label.FraudulentChat) {
		t.Fatalf("expected FRAUDULENT_CHAT on sibling, got %v", m.Labels)
	}
	if m.DangerLevel == nil || *m.DangerLevel != label.Critical {
		t.Fatalf("sibling danger not critical: %v", m.DangerLevel)
	}
}

func TestApplyLabels_NonTextVerdictDoesNotMintChatLabel(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceTelegram, "sender-1")
	now := time.Now().Unix()
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "sibling", Date: now, CreatedAt: now})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		RemotePhotoID: "ph-1", PhotoDownloaded: true, Date: now, CreatedAt: now})

	if _, err := st.ApplyLabels(ctx, 2, label.FieldPhoto, label.NewSet(label.FraudulentAccount)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sib, _ := st.GetMessage(ctx, 1)
	if sib.Labels.Has(label.FraudulentChat) || sib.Labels.Has(label.FraudulentAccount) {
		t.Fatalf("photo verdict must not spread: %v", sib.Labels)
	}
	trigger, _ := st.GetMessage(ctx, 2)
	if !trigger.PhotoProcessed {
		t.Fatal("photo processed flag missing")
	}
	if trigger.DangerLevel == nil || *trigger.DangerLevel != label.Critical {
		t.Fatalf("trigger danger wrong: %v", trigger.DangerLevel)
	}
}

func TestApplyLabels_NonTextVerdictLeavesStandingChatLabelAlone(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceTelegram, "sender-1")
	now := time.Now().Unix()
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "old", Labels: label.NewSet(label.SuspiciousChat), Date: now, CreatedAt: now})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "new", URLSpans: []store.URLSpan{{Offset: 0, Length: 3}}, Date: now, CreatedAt: now})

	// A clean URL verdict beside a flagged sibling must not raise anyone:
	// only a text-minted propagation label ever crosses messages.
	if _, err := st.ApplyLabels(ctx, 2, label.FieldURL, label.NewSet()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	m, _ := st.GetMessage(ctx, 2)
	if m.Labels.Has(label.SuspiciousChat) {
		t.Fatalf("chat label leaked onto sibling via URL verdict: %v", m.Labels)
	}
	if m.DangerLevel == nil || *m.DangerLevel != label.Safe {
		t.Fatalf("danger raised by empty verdict: %v", m.DangerLevel)
	}
	if !m.URLsProcessed {
		t.Fatal("url processed flag missing on trigger")
	}
}

func TestApplyLabels_PropagationLevelIncludesStandingChatLabels(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceTelegram, "sender-1")
	now := time.Now().Unix()
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "old", Labels: label.NewSet(label.FraudulentChat), Date: now, CreatedAt: now})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "new", Date: now, CreatedAt: now})

	// The minted level is the max over standing chat labels and the verdict,
	// so a merely suspicious text beside a fraudulent chat mints FRAUDULENT_CHAT.
	if _, err := st.ApplyLabels(ctx, 2, label.FieldText, label.NewSet(label.SuspiciousAccount)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	m, _ := st.GetMessage(ctx, 2)
	if !m.Labels.Has(label.FraudulentChat) {
		t.Fatalf("expected FRAUDULENT_CHAT minted from chat level, got %v", m.Labels)
	}
	if m.Labels.Has(label.SuspiciousChat) {
		t.Fatalf("minted the verdict-only level: %v", m.Labels)
	}
	if m.DangerLevel == nil || *m.DangerLevel != label.Critical {
		t.Fatalf("danger wrong: %v", m.DangerLevel)
	}
}

func TestApplyLabels_LateVerdictStillLandsOnTrigger(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceTelegram, "sender-1")
	now := time.Now().Unix()
	old := now - int64((4 * time.Hour).Seconds())
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "stale trigger", Date: old, CreatedAt: old})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "fresh", Date: now, CreatedAt: now})

	// The trigger aged out of the window but the verdict still belongs to it.
	res, err := st.ApplyLabels(ctx, 1, label.FieldText, label.NewSet(label.FraudulentAccount))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Siblings != 2 {
		t.Fatalf("expected trigger plus one sibling, got %d", res.Siblings)
	}
	trigger, _ := st.GetMessage(ctx, 1)
	if !trigger.Labels.Has(label.FraudulentAccount) {
		t.Fatalf("verdict dropped on late trigger: %v", trigger.Labels)
	}
	if !trigger.TextProcessed {
		t.Fatal("processed flag missing on late trigger")
	}
	sib, _ := st.GetMessage(ctx, 2)
	if !sib.Labels.Has(label.FraudulentChat) {
		t.Fatalf("in-window sibling missed propagation: %v", sib.Labels)
	}
}

func TestApplyLabels_Idempotent(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	seedSiblings(t, st, label.SourceTelegram)

	if _, err := st.ApplyLabels(ctx, 2, label.FieldText, label.NewSet(label.SuspiciousAccount)); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before, _ := st.GetMessage(ctx, 2)
	res, err := st.ApplyLabels(ctx, 2, label.FieldText, label.NewSet(label.SuspiciousAccount))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	after, _ := st.GetMessage(ctx, 2)
	if label.EncodeSet(before.Labels) != label.EncodeSet(after.Labels) {
		t.Fatalf("labels changed on replay: %v vs %v", before.Labels, after.Labels)
	}
	if *before.DangerLevel != *after.DangerLevel {
		t.Fatal("danger changed on replay")
	}
	// Replay touches the same siblings but must not raise anyone.
	if len(res.DangerChanges) != 0 {
		t.Fatalf("replay reported danger changes: %+v", res.DangerChanges)
	}
}

func TestApplyLabels_WindowExcludesOldMessages(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceTelegram, "sender-1")
	now := time.Now().Unix()
	old := now - int64((4 * time.Hour).Seconds())
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "stale", Date: old, CreatedAt: old})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceTelegram, SenderUserID: userID, ChatID: chatID,
		Text: "fresh", Date: now, CreatedAt: now})

	res, err := st.ApplyLabels(ctx, 2, label.FieldText, label.NewSet(label.SuspiciousAccount))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Siblings != 1 {
		t.Fatalf("expected 1 in-window sibling, got %d", res.Siblings)
	}
	stale, _ := st.GetMessage(ctx, 1)
	if len(stale.Labels) != 0 {
		t.Fatalf("out-of-window message touched: %v", stale.Labels)
	}
}

func TestApplyLabels_PublishesDangerChanges(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	st, err := store.Open(dir+"/msgguard.db", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sub := b.Subscribe(bus.TopicDangerChanged)
	defer b.Unsubscribe(sub)
	seedSiblings(t, st, label.SourceTelegram)

	if _, err := st.ApplyLabels(context.Background(), 2, label.FieldText, label.NewSet(label.FraudulentAccount)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Three siblings, all newly critical.
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.Ch():
			ev, ok := msg.Payload.(bus.DangerChangedEvent)
			if !ok {
				t.Fatalf("unexpected payload: %T", msg.Payload)
			}
			if ev.NewLevel != "CRITICAL" {
				t.Fatalf("expected CRITICAL, got %q", ev.NewLevel)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing danger event %d", i)
		}
	}
}

func TestSetDangerManually_OverridesAndAppendsStats(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceSMS, "+7900")
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceSMS, SenderUserID: userID, ChatID: chatID, Text: "a"})

	if err := st.SetDangerManually(ctx, 1, label.Critical); err != nil {
		t.Fatalf("override: %v", err)
	}
	m, _ := st.GetMessage(ctx, 1)
	if m.DangerLevel == nil || *m.DangerLevel != label.Critical {
		t.Fatalf("override lost: %v", m.DangerLevel)
	}
	if len(m.Labels) != 0 {
		t.Fatalf("override must not touch labels: %v", m.Labels)
	}
	rows, err := st.StatsForMessage(ctx, 1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(rows) != 1 || rows[0].DangerLevel != label.Critical {
		t.Fatalf("override not ledgered: %+v", rows)
	}
}

func TestAddLabelsForUser_RaisesAllMessages(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	userID, chatID := seedConversation(t, st, label.SourceMax, "acct")
	seedMessage(t, st, store.Message{ID: 1, Source: label.SourceMax, SenderUserID: userID, ChatID: chatID, Text: "a"})
	seedMessage(t, st, store.Message{ID: 2, Source: label.SourceMax, SenderUserID: userID, ChatID: chatID, Text: "b"})

	if err := st.AddLabelsForUser(ctx, userID, label.NewSet(label.FraudulentAccount)); err != nil {
		t.Fatalf("add labels: %v", err)
	}
	for _, id := range []int64{1, 2} {
		m, _ := st.GetMessage(ctx, id)
		if !m.Labels.Has(label.FraudulentAccount) {
			t.Fatalf("message %d missing account label", id)
		}
		if m.DangerLevel == nil || *m.DangerLevel != label.Critical {
			t.Fatalf("message %d danger wrong: %v", id, m.DangerLevel)
		}
	}
}
