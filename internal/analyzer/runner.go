package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/license"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/store"
)

// errTranscriptPending keeps a voice message in the queue until its
// transcript arrives.
var errTranscriptPending = errors.New("transcript pending")

// Runner polls the store for unprocessed content and feeds verdicts into
// the aggregation transaction. One goroutine per enabled source; within a
// source, fields are drained in sequence so a sender's text verdict lands
// before its url verdict spreads contagion.
type Runner struct {
	store     *store.Store
	prefs     *prefs.Prefs
	gate      *license.Gate
	logger    *slog.Logger
	analyzers []Analyzer
	sources   []label.Source
	interval  time.Duration

	wg sync.WaitGroup
}

func NewRunner(st *store.Store, p *prefs.Prefs, gate *license.Gate, logger *slog.Logger,
	sources []label.Source, interval time.Duration, analyzers ...Analyzer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Runner{
		store:     st,
		prefs:     p,
		gate:      gate,
		logger:    logger.With("component", "analyzer"),
		analyzers: analyzers,
		sources:   sources,
		interval:  interval,
	}
}

// Start launches the poll loops. They stop when ctx is cancelled; Wait
// blocks until every loop has drained.
func (r *Runner) Start(ctx context.Context) {
	for _, src := range r.sources {
		r.wg.Add(1)
		go func(src label.Source) {
			defer r.wg.Done()
			r.loop(ctx, src)
		}(src)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, src label.Source) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx, src)
		}
	}
}

// Drain runs one full poll pass for a source across every analyzer.
// Exported for tests and for the flush path after a source re-enables.
func (r *Runner) Drain(ctx context.Context, src label.Source) {
	for _, a := range r.analyzers {
		if ctx.Err() != nil {
			return
		}
		if a.Field() == label.FieldVoice && r.gate != nil && !r.gate.Allows(license.FeatureVoiceAnalysis) {
			continue
		}
		r.drainField(ctx, src, a)
	}
}

func (r *Runner) drainField(ctx context.Context, src label.Source, a Analyzer) {
	pending, err := r.store.UnprocessedMessages(ctx, a.Field(), src)
	if err != nil {
		r.logger.Error("poll failed", "source", src, "field", a.Field(), "error", err)
		return
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		sender, err := r.store.GetUser(ctx, m.SenderUserID)
		if err != nil {
			r.logger.Warn("sender missing, skipping message", "message_id", m.ID, "error", err)
			continue
		}
		if r.prefs != nil && !r.prefs.ShouldAnalyze(ctx, sender, m.IsOutgoing) {
			if err := r.store.MarkFieldSkipped(ctx, m.ID, a.Field()); err != nil {
				r.logger.Error("mark skipped failed", "message_id", m.ID, "error", err)
			}
			continue
		}

		labels, err := a.Analyze(ctx, m)
		if errors.Is(err, errTranscriptPending) {
			continue
		}
		if err != nil {
			r.logger.Error("analysis failed, message stays pending",
				"message_id", m.ID, "field", a.Field(), "error", err)
			continue
		}
		res, err := r.store.ApplyLabels(ctx, m.ID, a.Field(), labels)
		if err != nil {
			r.logger.Error("verdict commit failed", "message_id", m.ID, "field", a.Field(), "error", err)
			continue
		}
		if len(labels) > 0 {
			r.logger.Info("verdict committed",
				"message_id", m.ID,
				"field", a.Field(),
				"labels", label.EncodeSet(labels),
				"siblings", res.Siblings)
		}
	}
}
