package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/maksec/msgguard/internal/bus"
)

// ObserveBus feeds pipeline events into the metric instruments. It
// subscribes to every topic and runs until ctx is cancelled, so the
// pipeline components stay metrics-agnostic.
func ObserveBus(ctx context.Context, b *bus.Bus, m *Metrics) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				m.record(ctx, ev)
			}
		}
	}()
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.MessageIngestedEvent:
		m.IngestedMessages.Add(ctx, 1, metric.WithAttributes(AttrSource.String(p.Source)))
	case bus.MessageLabeledEvent:
		m.VerdictsTotal.Add(ctx, int64(len(p.Labels)), metric.WithAttributes(
			AttrSource.String(p.Source),
			AttrField.String(p.Field),
		))
	case bus.DangerChangedEvent:
		m.DangerEscalations.Add(ctx, 1, metric.WithAttributes(
			AttrSource.String(p.Source),
			AttrLevel.String(p.NewLevel),
		))
	case bus.NotificationEvent:
		m.AlertsSent.Add(ctx, 1, metric.WithAttributes(
			AttrSource.String(p.Source),
			AttrTrack.String(p.Track),
		))
	case bus.UserBlockedEvent:
		m.UsersBlocked.Add(ctx, 1, metric.WithAttributes(AttrSource.String(p.Source)))
	case bus.RetentionSweptEvent:
		m.RetentionPurged.Add(ctx, p.PurgedMessages+p.PurgedUsers+p.PurgedChats)
	}
}
