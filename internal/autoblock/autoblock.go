// Package autoblock listens for danger escalations and blocks senders
// whose messages turn critical, subject to the user's per-source label
// exceptions.
package autoblock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

// Blocker consumes the danger-changed stream.
type Blocker struct {
	store  *store.Store
	prefs  *prefs.Prefs
	bus    *bus.Bus
	logger *slog.Logger

	wg sync.WaitGroup
}

func New(st *store.Store, p *prefs.Prefs, b *bus.Bus, logger *slog.Logger) *Blocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blocker{
		store:  st,
		prefs:  p,
		bus:    b,
		logger: logger.With("component", "autoblock"),
	}
}

// Start subscribes to danger changes and reacts until ctx is cancelled.
func (a *Blocker) Start(ctx context.Context) {
	sub := a.bus.Subscribe(bus.TopicDangerChanged)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Ch():
				if !ok {
					return
				}
				ev, evOK := msg.Payload.(bus.DangerChangedEvent)
				if !evOK {
					continue
				}
				a.Handle(ctx, ev)
			}
		}
	}()
}

func (a *Blocker) Wait() {
	a.wg.Wait()
}

// Handle applies the block rule to one escalation. Exported for tests.
func (a *Blocker) Handle(ctx context.Context, ev bus.DangerChangedEvent) {
	if ev.NewLevel != label.Critical.String() {
		return
	}
	if !a.prefs.AutoBlockEnabled(ctx) {
		return
	}
	src, ok := label.ParseSource(ev.Source)
	if !ok {
		return
	}
	if ev.Label != "" && a.prefs.IsAutoBlockException(ctx, src, label.Label(ev.Label)) {
		a.logger.Debug("escalation exempt from auto-block",
			"user_id", ev.SenderID, "source", src, "label", ev.Label)
		return
	}

	sender, err := a.store.GetUser(ctx, ev.SenderID)
	if err != nil {
		a.logger.Warn("sender lookup failed", "user_id", ev.SenderID, "error", err)
		return
	}
	if sender.IsBlocked {
		return
	}
	if err := a.store.SetUserBlocked(ctx, ev.SenderID, true, ev.MessageID, label.Label(ev.Label)); err != nil {
		a.logger.Error("auto-block failed", "user_id", ev.SenderID, "error", err)
		return
	}
	if err := a.store.SetMessageAction(ctx, ev.MessageID, label.ActionBlock); err != nil {
		a.logger.Warn("block action mark failed", "message_id", ev.MessageID, "error", err)
	}
	a.logger.Info("sender auto-blocked",
		"user_id", ev.SenderID, "source", src, "label", ev.Label, "message_id", ev.MessageID)
}
