package sources_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/maksec/msgguard/internal/ingest"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/sources"
	"github.com/maksec/msgguard/internal/store"
)

func maxEvent(text string, ts int64) string {
	return fmt.Sprintf(`{
		"source": "MAX",
		"sender": {"external_id": "max-user-1"},
		"chat": {"external_id": "max-chat-1"},
		"message": {"timestamp": %d, "text": %q}
	}`, ts, text)
}

func TestMaxFeed_StreamsEventsIntoStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "msgguard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := prefs.New(st, nil, nil)
	in, err := ingest.New(st, p, nil, nil, 100)
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.StartSource(ctx, label.SourceMax, ingest.SourceOptions{WorkerCount: 1, QueueDepth: 8})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		if err := conn.Write(r.Context(), websocket.MessageText, []byte(maxEvent("hello from max", 1718000000))); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	feed := sources.NewMaxFeed("ws"+strings.TrimPrefix(server.URL, "http"), in, nil)
	go func() { _ = feed.Run(ctx) }()

	wantID := store.MessageID("max-user-1", 1718000000, "hello from max")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m, err := st.GetMessage(ctx, wantID); err == nil {
			if m.Source != label.SourceMax {
				t.Fatalf("wrong source: %s", m.Source)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("streamed event never persisted")
}

func TestMaxFeed_RequiresURL(t *testing.T) {
	feed := sources.NewMaxFeed("", nil, nil)
	if err := feed.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing url")
	}
}
