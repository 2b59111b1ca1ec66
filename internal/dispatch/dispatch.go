// Package dispatch decides when processed messages turn into alerts.
// Two independent tracks run over the store: the user track notifies the
// device owner, the relative track notifies a trusted contact about
// critical messages. Flags flip only after a successful delivery so a
// failed send stays eligible, and a flipped flag is never re-evaluated.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/channels"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/license"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

// Gate polls for fully-processed messages and feeds the two tracks.
type Gate struct {
	store    *store.Store
	prefs    *prefs.Prefs
	license  *license.Gate
	bus      *bus.Bus
	logger   *slog.Logger
	userCh   channels.Channel
	relCh    channels.Channel
	sources  []label.Source
	interval time.Duration

	wg sync.WaitGroup
}

func NewGate(st *store.Store, p *prefs.Prefs, lic *license.Gate, b *bus.Bus, logger *slog.Logger,
	userCh, relCh channels.Channel, sources []label.Source, interval time.Duration) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Gate{
		store:    st,
		prefs:    p,
		license:  lic,
		bus:      b,
		logger:   logger.With("component", "dispatch"),
		userCh:   userCh,
		relCh:    relCh,
		sources:  sources,
		interval: interval,
	}
}

// Start launches the poll loop. Stops on ctx cancellation.
func (g *Gate) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.RunOnce(ctx)
			}
		}
	}()
}

func (g *Gate) Wait() {
	g.wg.Wait()
}

// RunOnce evaluates both tracks over the current store state. Exported
// for tests and for an explicit kick after aggregation bursts.
func (g *Gate) RunOnce(ctx context.Context) {
	for _, src := range g.sources {
		g.runUserTrack(ctx, src)
	}
	g.runRelativeTrack(ctx)
}

func (g *Gate) runUserTrack(ctx context.Context, src label.Source) {
	if !g.prefs.DefendEnabled(ctx, src) {
		// Source protection is off: leave its queue untouched so alerts
		// resume if the service is switched back on.
		return
	}
	pending, err := g.store.ProcessedNotNotified(ctx, src)
	if err != nil {
		g.logger.Error("user track poll failed", "source", src, "error", err)
		return
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		level := label.Safe
		if m.DangerLevel != nil {
			level = *m.DangerLevel
		}
		if !g.prefs.NotifyForLevel(ctx, level) {
			// Below threshold: retire quietly so the queue drains.
			if err := g.store.MarkNotifiedUser(ctx, m.ID); err != nil {
				g.logger.Error("retire failed", "message_id", m.ID, "error", err)
			}
			continue
		}

		sender, err := g.store.GetUser(ctx, m.SenderUserID)
		if err != nil {
			g.logger.Error("sender load failed", "message_id", m.ID, "error", err)
			continue
		}
		if sender.IsIgnored {
			// The owner opted out of alerts for this sender.
			if err := g.store.MarkNotifiedUser(ctx, m.ID); err != nil {
				g.logger.Error("retire failed", "message_id", m.ID, "error", err)
			}
			continue
		}

		alert := g.buildAlert(m, sender, level, "user")
		if err := g.userCh.Send(ctx, alert); err != nil {
			// Flag stays unset: the message re-enters the next poll.
			g.logger.Warn("user alert delivery failed, will retry", "message_id", m.ID, "error", err)
			continue
		}
		if err := g.store.MarkNotifiedUser(ctx, m.ID); err != nil {
			g.logger.Error("mark notified failed after delivery", "message_id", m.ID, "error", err)
			continue
		}
		g.publishNotification(m, level, "user", bus.TopicUserNotified)
	}
}

func (g *Gate) runRelativeTrack(ctx context.Context) {
	pending, err := g.store.ProcessedForRelativeCheck(ctx)
	if err != nil {
		g.logger.Error("relative track poll failed", "error", err)
		return
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		level := label.Safe
		if m.DangerLevel != nil {
			level = *m.DangerLevel
		}

		// One evaluation per message. Anything but a deliverable critical
		// alert closes the track without a notification; the license gate
		// fails closed.
		if level != label.Critical ||
			!g.prefs.NotifyRelative(ctx) ||
			g.license == nil || !g.license.Allows(license.FeatureRelativeAlerts) {
			if err := g.store.MarkRelativeChecked(ctx, m.ID); err != nil {
				g.logger.Error("mark relative checked failed", "message_id", m.ID, "error", err)
			}
			continue
		}

		sender, err := g.store.GetUser(ctx, m.SenderUserID)
		if err != nil {
			g.logger.Error("sender load failed", "message_id", m.ID, "error", err)
			continue
		}
		alert := g.buildAlert(m, sender, level, "relative")
		if err := g.relCh.Send(ctx, alert); err != nil {
			g.logger.Warn("relative alert delivery failed, will retry", "message_id", m.ID, "error", err)
			continue
		}
		if err := g.store.MarkNotifiedRelative(ctx, m.ID); err != nil {
			g.logger.Error("mark notified relative failed after delivery", "message_id", m.ID, "error", err)
			continue
		}
		g.publishNotification(m, level, "relative", bus.TopicRelativeNotified)
	}
}

func (g *Gate) buildAlert(m store.Message, sender store.User, level label.DangerLevel, track string) channels.Alert {
	return channels.Alert{
		MessageID:  m.ID,
		Source:     m.Source,
		Level:      level,
		SenderName: sender.ReadableName(),
		Preview:    m.Text,
		Track:      track,
		Date:       time.Unix(m.Date, 0),
	}
}

func (g *Gate) publishNotification(m store.Message, level label.DangerLevel, track, topic string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, bus.NotificationEvent{
		MessageID: m.ID,
		SenderID:  m.SenderUserID,
		Source:    string(m.Source),
		Track:     track,
		Level:     level.String(),
	})
}
