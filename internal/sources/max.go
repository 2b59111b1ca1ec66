// Package sources hosts the feed adapters that read raw messenger events
// and hand them to the ingest pipeline. The MAX messenger exposes a
// websocket event stream; SMS, Telegram and WhatsApp events arrive
// through the HTTP gateway instead.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/maksec/msgguard/internal/ingest"
	"github.com/maksec/msgguard/internal/label"
)

// MaxFeed consumes the MAX websocket stream and submits every frame to
// the ingestor. Disconnects reconnect with exponential backoff.
type MaxFeed struct {
	url      string
	ingestor *ingest.Ingestor
	logger   *slog.Logger
}

func NewMaxFeed(url string, in *ingest.Ingestor, logger *slog.Logger) *MaxFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaxFeed{
		url:      url,
		ingestor: in,
		logger:   logger.With("component", "max-feed"),
	}
}

// Run blocks until ctx is cancelled, reconnecting on stream failure.
func (f *MaxFeed) Run(ctx context.Context) error {
	if f.url == "" {
		return fmt.Errorf("max feed url not configured")
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		err := f.consume(ctx)
		if err == nil {
			return nil
		}
		f.logger.Warn("max feed disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume reads frames from one connection until it breaks. Returns nil
// only on context cancellation.
func (f *MaxFeed) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial max feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	f.logger.Info("max feed connected", "url", f.url)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := f.ingestor.Submit(ctx, label.SourceMax, data); err != nil {
			if err == ingest.ErrQueueFull {
				f.logger.Warn("ingest queue full, frame dropped")
				continue
			}
			f.logger.Error("frame rejected", "error", err)
		}
	}
}
