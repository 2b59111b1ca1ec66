// Package prefs is the reactive settings surface. Values persist in the
// kv_store table; every flip publishes on the bus so pipeline stages
// adjust without a restart.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

// Setting keys. Stored verbatim in kv_store.
const (
	KeyNotifyCritical   = "prefs.notify.critical"
	KeyNotifySuspicious = "prefs.notify.suspicious"
	KeyNotifyRelative   = "prefs.notify.relative"
	KeyAnalyzeContacts  = "prefs.analyze.contacts"
	KeyAnalyzeStrangers = "prefs.analyze.strangers"

	keyDefendPrefix        = "prefs.defend."
	keyAutoBlockExceptions = "prefs.autoblock.exceptions"
	keyAutoBlockEnabled    = "prefs.autoblock.enabled"
)

// Defaults: critical alerts on, suspicious off, strangers analyzed,
// contacts skipped, every source defended, auto-block off.
var boolDefaults = map[string]bool{
	KeyNotifyCritical:   true,
	KeyNotifySuspicious: false,
	KeyNotifyRelative:   false,
	KeyAnalyzeContacts:  false,
	KeyAnalyzeStrangers: true,
	keyAutoBlockEnabled: false,
}

// Prefs reads and writes settings with a small in-memory cache. The cache
// is authoritative within one process; external writers go through the
// same instance.
type Prefs struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]bool
}

func New(st *store.Store, b *bus.Bus, logger *slog.Logger) *Prefs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prefs{
		store:  st,
		bus:    b,
		logger: logger.With("component", "prefs"),
		cache:  make(map[string]bool),
	}
}

func defendKey(source label.Source) string {
	return keyDefendPrefix + string(source)
}

func (p *Prefs) getBool(ctx context.Context, key string, def bool) bool {
	p.mu.RLock()
	if v, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return v
	}
	p.mu.RUnlock()

	v, err := p.store.GetKVBool(ctx, key, def)
	if err != nil {
		p.logger.Warn("read setting failed, using default", "key", key, "error", err)
		return def
	}
	p.mu.Lock()
	p.cache[key] = v
	p.mu.Unlock()
	return v
}

func (p *Prefs) setBool(ctx context.Context, key string, value bool) error {
	if err := p.store.SetKVBool(ctx, key, value); err != nil {
		return fmt.Errorf("persist setting %q: %w", key, err)
	}
	p.mu.Lock()
	p.cache[key] = value
	p.mu.Unlock()
	if p.bus != nil {
		p.bus.Publish(bus.TopicPrefsChanged, bus.PrefsChangedEvent{Key: key, Value: value})
	}
	return nil
}

// NotifyForLevel reports whether the user track should fire for a level.
func (p *Prefs) NotifyForLevel(ctx context.Context, level label.DangerLevel) bool {
	switch level {
	case label.Critical:
		return p.getBool(ctx, KeyNotifyCritical, boolDefaults[KeyNotifyCritical])
	case label.Suspicious:
		return p.getBool(ctx, KeyNotifySuspicious, boolDefaults[KeyNotifySuspicious])
	default:
		return false
	}
}

func (p *Prefs) SetNotifyCritical(ctx context.Context, v bool) error {
	return p.setBool(ctx, KeyNotifyCritical, v)
}

func (p *Prefs) SetNotifySuspicious(ctx context.Context, v bool) error {
	return p.setBool(ctx, KeyNotifySuspicious, v)
}

// NotifyRelative gates the second dispatch track.
func (p *Prefs) NotifyRelative(ctx context.Context) bool {
	return p.getBool(ctx, KeyNotifyRelative, boolDefaults[KeyNotifyRelative])
}

func (p *Prefs) SetNotifyRelative(ctx context.Context, v bool) error {
	return p.setBool(ctx, KeyNotifyRelative, v)
}

// ShouldAnalyze applies the contact/stranger and per-user gates: ignored
// senders and outgoing messages are never analyzed.
func (p *Prefs) ShouldAnalyze(ctx context.Context, sender store.User, isOutgoing bool) bool {
	if isOutgoing || sender.IsIgnored {
		return false
	}
	if sender.IsContact {
		return p.getBool(ctx, KeyAnalyzeContacts, boolDefaults[KeyAnalyzeContacts])
	}
	return p.getBool(ctx, KeyAnalyzeStrangers, boolDefaults[KeyAnalyzeStrangers])
}

func (p *Prefs) SetAnalyzeContacts(ctx context.Context, v bool) error {
	return p.setBool(ctx, KeyAnalyzeContacts, v)
}

func (p *Prefs) SetAnalyzeStrangers(ctx context.Context, v bool) error {
	return p.setBool(ctx, KeyAnalyzeStrangers, v)
}

// DefendEnabled reports whether a source's feed is being ingested. A
// disabled source parks events in the outbox instead.
func (p *Prefs) DefendEnabled(ctx context.Context, source label.Source) bool {
	return p.getBool(ctx, defendKey(source), true)
}

func (p *Prefs) SetDefendEnabled(ctx context.Context, source label.Source, v bool) error {
	return p.setBool(ctx, defendKey(source), v)
}

// AutoBlockEnabled gates the automatic sender-block rule.
func (p *Prefs) AutoBlockEnabled(ctx context.Context) bool {
	return p.getBool(ctx, keyAutoBlockEnabled, boolDefaults[keyAutoBlockEnabled])
}

func (p *Prefs) SetAutoBlockEnabled(ctx context.Context, v bool) error {
	return p.setBool(ctx, keyAutoBlockEnabled, v)
}

// AutoBlockExceptions returns the per-source label exceptions: labels
// that never trigger an automatic block on that source.
func (p *Prefs) AutoBlockExceptions(ctx context.Context) (map[label.Source][]label.Label, error) {
	raw, err := p.store.GetKV(ctx, keyAutoBlockExceptions)
	if errors.Is(err, store.ErrNotFound) {
		return map[label.Source][]label.Label{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[label.Source][]label.Label
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		p.logger.Warn("malformed auto-block exceptions, resetting", "error", err)
		return map[label.Source][]label.Label{}, nil
	}
	return out, nil
}

func (p *Prefs) SetAutoBlockExceptions(ctx context.Context, exceptions map[label.Source][]label.Label) error {
	data, err := json.Marshal(exceptions)
	if err != nil {
		return fmt.Errorf("encode exceptions: %w", err)
	}
	if err := p.store.SetKV(ctx, keyAutoBlockExceptions, string(data)); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Publish(bus.TopicPrefsChanged, bus.PrefsChangedEvent{Key: keyAutoBlockExceptions, Value: true})
	}
	return nil
}

// IsAutoBlockException reports whether the (source, label) pair is exempt
// from auto-block.
func (p *Prefs) IsAutoBlockException(ctx context.Context, source label.Source, l label.Label) bool {
	exceptions, err := p.AutoBlockExceptions(ctx)
	if err != nil {
		// Fail open for blocking: an unreadable exception list must not
		// cause blocks the user opted out of.
		return true
	}
	for _, exempt := range exceptions[source] {
		if exempt == l {
			return true
		}
	}
	return false
}
