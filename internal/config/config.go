package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maksec/msgguard/internal/label"
)

// PipelineConfig tunes the label aggregation core.
type PipelineConfig struct {
	// PropagationWindow bounds how far contagious labels reach back across
	// sibling messages. Default 3h.
	PropagationWindow time.Duration `yaml:"propagation_window"`

	// AnalyzerPollInterval is how often the analyzer runner polls the
	// unprocessed-field queues.
	AnalyzerPollInterval time.Duration `yaml:"analyzer_poll_interval"`

	// DispatchPollInterval is how often the notification gate re-evaluates
	// processed-not-notified messages.
	DispatchPollInterval time.Duration `yaml:"dispatch_poll_interval"`
}

// RetentionConfig controls the periodic sweep of old messages.
type RetentionConfig struct {
	MaxAgeDays int `yaml:"max_age_days"` // 0 disables the sweep
	// Schedule is a standard 5-field cron expression. Default: hourly.
	Schedule string `yaml:"schedule"`
}

// SourceConfig holds per-messenger ingestion settings.
type SourceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WorkerCount int    `yaml:"worker_count"`
	QueueDepth  int    `yaml:"queue_depth"`
	FeedURL     string `yaml:"feed_url"` // websocket feed, MAX only
}

// TelegramConfig configures the outbound alert channel.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// RelativeConfig configures the relative-notification channel.
type RelativeConfig struct {
	ChatIDs []int64 `yaml:"chat_ids"`
}

// ChannelsConfig groups notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Relative RelativeConfig `yaml:"relative"`
}

// OtelConfig mirrors the observability provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// OutboxConfig bounds the persisted buffer for events that arrive while a
// source service is disabled.
type OutboxConfig struct {
	Capacity int `yaml:"capacity"`
}

// APIConfig secures the local HTTP gateway. An empty token disables auth,
// intended only for loopback development setups.
type APIConfig struct {
	Token             string `yaml:"token"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	BurstSize         int    `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Pipeline  PipelineConfig                 `yaml:"pipeline"`
	Retention RetentionConfig                `yaml:"retention"`
	Sources   map[label.Source]SourceConfig  `yaml:"sources"`
	Channels  ChannelsConfig                 `yaml:"channels"`
	Otel      OtelConfig                     `yaml:"otel"`
	Outbox    OutboxConfig                   `yaml:"outbox"`
	API       APIConfig                      `yaml:"api"`

	// LicensePath points at the license snapshot consulted by the feature
	// gate. Missing file means no licensed features (fail closed).
	LicensePath string `yaml:"license_path"`
}

func defaultConfig() Config {
	sources := make(map[label.Source]SourceConfig, len(label.Sources))
	for _, src := range label.Sources {
		sources[src] = SourceConfig{Enabled: false, WorkerCount: 1, QueueDepth: 64}
	}
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Pipeline: PipelineConfig{
			PropagationWindow:    3 * time.Hour,
			AnalyzerPollInterval: 2 * time.Second,
			DispatchPollInterval: 2 * time.Second,
		},
		Retention: RetentionConfig{
			MaxAgeDays: 7,
			Schedule:   "0 * * * *",
		},
		Sources: sources,
		Outbox:  OutboxConfig{Capacity: 1000},
		API:     APIConfig{RequestsPerMinute: 60, BurstSize: 10},
	}
}

// HomeDir resolves the msgguard home directory, honoring MSGGUARD_HOME.
func HomeDir() string {
	if override := os.Getenv("MSGGUARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".msgguard")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applying defaults for
// missing fields. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the config rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create msgguard home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MSGGUARD_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("MSGGUARD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("MSGGUARD_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "msgguard.db")
	}
	if cfg.Pipeline.PropagationWindow <= 0 {
		cfg.Pipeline.PropagationWindow = 3 * time.Hour
	}
	if cfg.Pipeline.AnalyzerPollInterval <= 0 {
		cfg.Pipeline.AnalyzerPollInterval = 2 * time.Second
	}
	if cfg.Pipeline.DispatchPollInterval <= 0 {
		cfg.Pipeline.DispatchPollInterval = 2 * time.Second
	}
	if cfg.Retention.MaxAgeDays < 0 {
		cfg.Retention.MaxAgeDays = 0
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 * * * *"
	}
	if cfg.Outbox.Capacity <= 0 {
		cfg.Outbox.Capacity = 1000
	}
	if cfg.API.RequestsPerMinute <= 0 {
		cfg.API.RequestsPerMinute = 60
	}
	if cfg.API.BurstSize <= 0 {
		cfg.API.BurstSize = 10
	}
	if cfg.Sources == nil {
		cfg.Sources = make(map[label.Source]SourceConfig)
	}
	for _, src := range label.Sources {
		sc := cfg.Sources[src]
		if sc.WorkerCount <= 0 {
			sc.WorkerCount = 1
		}
		if sc.QueueDepth <= 0 {
			sc.QueueDepth = 64
		}
		cfg.Sources[src] = sc
	}
	if cfg.LicensePath == "" {
		cfg.LicensePath = filepath.Join(cfg.HomeDir, "license.yaml")
	}
}

// Fingerprint returns a stable hash of the settings that affect pipeline
// behavior, used to detect effective-config changes across reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|window=%s|retention=%d|schedule=%s|outbox=%d",
		c.BindAddr, c.LogLevel, c.Pipeline.PropagationWindow, c.Retention.MaxAgeDays,
		c.Retention.Schedule, c.Outbox.Capacity)
	for _, src := range label.Sources {
		sc := c.Sources[src]
		fmt.Fprintf(h, "|%s=%t/%d/%d", src, sc.Enabled, sc.WorkerCount, sc.QueueDepth)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
