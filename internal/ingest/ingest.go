package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/shared"
	"github.com/maksec/msgguard/internal/store"
)

// ErrQueueFull is returned when a source's worker queue is saturated.
// The feed adapter decides whether to retry or drop.
var ErrQueueFull = errors.New("ingest queue full")

// SourceOptions sizes one source's worker pool.
type SourceOptions struct {
	WorkerCount int
	QueueDepth  int
}

// Ingestor fans raw feed events into per-source worker pools. Events for
// a source whose defense is switched off park in the persisted outbox and
// replay in order when the source resumes.
type Ingestor struct {
	store     *store.Store
	prefs     *prefs.Prefs
	bus       *bus.Bus
	validator *Validator
	logger    *slog.Logger
	capacity  int

	mu     sync.Mutex
	queues map[label.Source]chan []byte
	wg     sync.WaitGroup
}

func New(st *store.Store, p *prefs.Prefs, b *bus.Bus, logger *slog.Logger, outboxCapacity int) (*Ingestor, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if outboxCapacity <= 0 {
		outboxCapacity = 1000
	}
	return &Ingestor{
		store:     st,
		prefs:     p,
		bus:       b,
		validator: v,
		logger:    logger.With("component", "ingest"),
		capacity:  outboxCapacity,
		queues:    make(map[label.Source]chan []byte),
	}, nil
}

// StartSource launches the worker pool for one source. Safe to call once
// per source before any Submit for it.
func (in *Ingestor) StartSource(ctx context.Context, src label.Source, opts SourceOptions) {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	queue := make(chan []byte, opts.QueueDepth)
	in.mu.Lock()
	in.queues[src] = queue
	in.mu.Unlock()

	for i := 0; i < opts.WorkerCount; i++ {
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case raw := <-queue:
					if err := in.process(ctx, src, raw); err != nil {
						in.logger.Error("event dropped", "source", src, "error", err)
					}
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

// Submit routes one raw event. Defense off parks it in the outbox; a full
// queue surfaces ErrQueueFull without blocking the feed reader.
func (in *Ingestor) Submit(ctx context.Context, src label.Source, raw []byte) error {
	if in.prefs != nil && !in.prefs.DefendEnabled(ctx, src) {
		dropped, err := in.store.EnqueueOutbox(ctx, src, string(raw), in.capacity)
		if err != nil {
			return fmt.Errorf("park event: %w", err)
		}
		if dropped {
			in.logger.Warn("outbox at capacity, oldest event dropped", "source", src)
		}
		return nil
	}

	in.mu.Lock()
	queue, ok := in.queues[src]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("source %s not started", src)
	}
	select {
	case queue <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// FlushOutbox replays parked events for a source in arrival order.
// Called when the source's defense re-enables.
func (in *Ingestor) FlushOutbox(ctx context.Context, src label.Source) (int, error) {
	flushed := 0
	for {
		entry, err := in.store.DequeueOutbox(ctx, src)
		if errors.Is(err, store.ErrNotFound) {
			return flushed, nil
		}
		if err != nil {
			return flushed, fmt.Errorf("drain outbox: %w", err)
		}
		if err := in.process(ctx, src, []byte(entry.Payload)); err != nil {
			in.logger.Error("parked event dropped on replay", "source", src, "error", err)
		}
		flushed++
	}
}

// WatchPrefs subscribes to settings flips and flushes a source's outbox
// when its defense turns back on.
func (in *Ingestor) WatchPrefs(ctx context.Context) {
	if in.bus == nil {
		return
	}
	sub := in.bus.Subscribe(bus.TopicPrefsChanged)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer in.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Ch():
				if !ok {
					return
				}
				ev, evOK := msg.Payload.(bus.PrefsChangedEvent)
				if !evOK || !ev.Value {
					continue
				}
				for _, src := range label.Sources {
					if ev.Key == "prefs.defend."+string(src) {
						n, err := in.FlushOutbox(ctx, src)
						if err != nil {
							in.logger.Error("outbox flush failed", "source", src, "error", err)
						} else if n > 0 {
							in.logger.Info("outbox flushed", "source", src, "events", n)
						}
					}
				}
			}
		}
	}()
}

func (in *Ingestor) process(ctx context.Context, src label.Source, raw []byte) error {
	ev, err := in.validator.Parse(raw)
	if err != nil {
		return err
	}
	if parsed, ok := label.ParseSource(ev.Source); !ok || parsed != src {
		return fmt.Errorf("event source %q does not match feed %s", ev.Source, src)
	}
	user, chat, msg, err := ev.ToMessage()
	if err != nil {
		return err
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if err := in.store.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("persist sender: %w", err)
	}
	if err := in.store.UpsertChat(ctx, chat); err != nil {
		return fmt.Errorf("persist chat: %w", err)
	}
	if err := in.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if in.bus != nil {
		in.bus.Publish(bus.TopicMessageIngested, bus.MessageIngestedEvent{
			MessageID: msg.ID,
			Source:    string(src),
			SenderID:  user.UserID,
			ChatID:    chat.ChatID,
		})
	}
	in.logger.Debug("event persisted",
		"trace_id", shared.TraceID(ctx),
		"source", src,
		"message_id", msg.ID,
		"sender", shared.RedactPhone(user.PhoneNumber))
	return nil
}
