// Package doctor runs local diagnostic checks for the msgguard install:
// config, database, file permissions, license, channels, and network
// reachability for the configured alert bot.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/maksec/msgguard/internal/config"
	"github.com/maksec/msgguard/internal/license"
	"github.com/maksec/msgguard/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkLicense,
		checkChannels,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	enabled := 0
	for _, sc := range cfg.Sources {
		if sc.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("Loaded from %s, but no sources are enabled", cfg.HomeDir),
			Detail:  "Enable at least one source under sources: in config.yaml",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%d sources enabled)", cfg.HomeDir, enabled)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	if _, err := st.LastMessageDate(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkLicense(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "License", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.LicensePath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "License",
			Status:  "WARN",
			Message: "No license file; licensed features stay off",
			Detail:  cfg.LicensePath,
		}
	}

	gate := license.NewGate(cfg.LicensePath, nil)
	if err := gate.Reload(); err != nil {
		return CheckResult{Name: "License", Status: "FAIL", Message: fmt.Sprintf("License unreadable: %v", err)}
	}

	var features []string
	for _, f := range []license.Feature{license.FeatureRelativeAlerts, license.FeatureVoiceAnalysis} {
		if gate.Allows(f) {
			features = append(features, string(f))
		}
	}
	if len(features) == 0 {
		return CheckResult{Name: "License", Status: "WARN", Message: "License valid but grants no features"}
	}
	return CheckResult{
		Name:    "License",
		Status:  "PASS",
		Message: fmt.Sprintf("%d features licensed", len(features)),
		Detail:  fmt.Sprintf("%v", features),
	}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Channels", Status: "WARN", Message: "Telegram disabled; alerts go to the log channel only"}
	}
	if tg.Token == "" {
		return CheckResult{
			Name:    "Channels",
			Status:  "FAIL",
			Message: "Telegram enabled but no bot token configured",
			Detail:  "Set channels.telegram.token or MSGGUARD_TELEGRAM_TOKEN",
		}
	}
	if len(tg.ChatIDs) == 0 {
		return CheckResult{Name: "Channels", Status: "FAIL", Message: "Telegram enabled but no chat_ids configured"}
	}
	return CheckResult{Name: "Channels", Status: "PASS", Message: fmt.Sprintf("Telegram configured (%d chats)", len(tg.ChatIDs))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Telegram disabled; nothing to reach"}
	}

	const host = "api.telegram.org"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
