package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

func TestOutbox_FIFOPerSource(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.EnqueueOutbox(ctx, label.SourceTelegram, fmt.Sprintf("tg-%d", i), 10); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := st.EnqueueOutbox(ctx, label.SourceSMS, "sms-0", 10); err != nil {
		t.Fatalf("enqueue sms: %v", err)
	}

	for i := 0; i < 3; i++ {
		entry, err := st.DequeueOutbox(ctx, label.SourceTelegram)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if entry.Payload != fmt.Sprintf("tg-%d", i) {
			t.Fatalf("out of order: got %q at position %d", entry.Payload, i)
		}
	}
	if _, err := st.DequeueOutbox(ctx, label.SourceTelegram); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected drained queue, got %v", err)
	}

	// Other source's queue is untouched.
	n, err := st.OutboxSize(ctx, label.SourceSMS)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 sms entry, got %d", n)
	}
}

func TestOutbox_CapacityDropsOldest(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dropped, err := st.EnqueueOutbox(ctx, label.SourceMax, fmt.Sprintf("ev-%d", i), 3)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if dropped {
			t.Fatalf("dropped below capacity at %d", i)
		}
	}
	dropped, err := st.EnqueueOutbox(ctx, label.SourceMax, "ev-3", 3)
	if err != nil {
		t.Fatalf("enqueue over capacity: %v", err)
	}
	if !dropped {
		t.Fatal("expected oldest entry dropped at capacity")
	}

	n, _ := st.OutboxSize(ctx, label.SourceMax)
	if n != 3 {
		t.Fatalf("expected size pinned at capacity, got %d", n)
	}
	head, err := st.DequeueOutbox(ctx, label.SourceMax)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if head.Payload != "ev-1" {
		t.Fatalf("expected ev-0 dropped, head is %q", head.Payload)
	}
}
