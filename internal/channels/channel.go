// Package channels delivers pipeline alerts to the outside world. Each
// channel wraps one delivery medium; the dispatch gate decides when an
// alert fires, a channel only carries it.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/shared"
)

// Alert is one notification about a dangerous message.
type Alert struct {
	MessageID  int64
	Source     label.Source
	Level      label.DangerLevel
	SenderName string
	Preview    string
	Track      string // "user" or "relative"
	Date       time.Time
}

// Render produces the human-readable alert body. Sender phone numbers and
// other secrets in the preview are redacted before leaving the process.
func (a Alert) Render() string {
	var b strings.Builder
	switch a.Level {
	case label.Critical:
		b.WriteString("⛔ Fraudulent message detected\n")
	default:
		b.WriteString("⚠ Suspicious message detected\n")
	}
	fmt.Fprintf(&b, "From: %s (%s)\n", shared.Redact(a.SenderName), a.Source)
	if a.Preview != "" {
		fmt.Fprintf(&b, "Text: %s\n", shared.Redact(preview(a.Preview)))
	}
	if !a.Date.IsZero() {
		fmt.Fprintf(&b, "Received: %s", a.Date.Format(time.RFC1123))
	}
	return b.String()
}

func preview(text string) string {
	const maxPreview = 140
	runes := []rune(text)
	if len(runes) <= maxPreview {
		return text
	}
	return string(runes[:maxPreview]) + "…"
}

// Channel is one alert delivery medium.
type Channel interface {
	// Name returns the channel's unique name (e.g. "telegram").
	Name() string

	// Send delivers one alert. An error means the alert was not
	// delivered and the caller must keep it eligible for retry.
	Send(ctx context.Context, alert Alert) error
}
