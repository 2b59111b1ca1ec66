// Package license gates premium pipeline features. The verdict is read
// from a local snapshot file; an absent, unreadable or expired snapshot
// fails closed.
package license

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Feature names gate-controlled functionality.
type Feature string

const (
	// FeatureRelativeAlerts covers the second notification track that
	// alerts a trusted relative about critical messages.
	FeatureRelativeAlerts Feature = "relative_alerts"
	// FeatureVoiceAnalysis covers voice transcription.
	FeatureVoiceAnalysis Feature = "voice_analysis"
)

type snapshot struct {
	Key       string    `yaml:"key"`
	Features  []string  `yaml:"features"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// Gate answers feature checks from the on-disk snapshot. Reload swaps the
// snapshot atomically; readers never block on a reload.
type Gate struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

func NewGate(path string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{path: path, logger: logger.With("component", "license")}
	if err := g.Reload(); err != nil {
		g.logger.Warn("license snapshot unavailable, premium features disabled", "error", err)
	}
	return g
}

// Reload re-reads the snapshot file. On error the previous snapshot is
// discarded so a corrupted file cannot keep features alive.
func (g *Gate) Reload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = nil

	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("read license snapshot: %w", err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse license snapshot: %w", err)
	}
	if snap.Key == "" {
		return fmt.Errorf("license snapshot has no key")
	}
	g.snap = &snap
	return nil
}

// Allows reports whether a feature is licensed right now. Every failure
// mode answers false.
func (g *Gate) Allows(feature Feature) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.snap == nil {
		return false
	}
	if !g.snap.ExpiresAt.IsZero() && time.Now().After(g.snap.ExpiresAt) {
		return false
	}
	for _, f := range g.snap.Features {
		if Feature(f) == feature {
			return true
		}
	}
	return false
}
