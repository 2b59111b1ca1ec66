package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/maksec/msgguard/internal/analyzer"
	"github.com/maksec/msgguard/internal/autoblock"
	"github.com/maksec/msgguard/internal/bus"
	"github.com/maksec/msgguard/internal/channels"
	"github.com/maksec/msgguard/internal/config"
	"github.com/maksec/msgguard/internal/cron"
	"github.com/maksec/msgguard/internal/dispatch"
	"github.com/maksec/msgguard/internal/gateway"
	"github.com/maksec/msgguard/internal/ingest"
	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/license"
	otelPkg "github.com/maksec/msgguard/internal/otel"
	"github.com/maksec/msgguard/internal/prefs"
	"github.com/maksec/msgguard/internal/sources"
	"github.com/maksec/msgguard/internal/store"
	"github.com/maksec/msgguard/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the protection daemon
  %s status                   Show daemon health (/healthz)
  %s sweep                    Run the retention sweep once and exit
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MSGGUARD_HOME               Data directory (default: ~/.msgguard)
  MSGGUARD_BIND_ADDR          Override the API bind address
  MSGGUARD_API_TOKEN          Override the API auth token
  MSGGUARD_TELEGRAM_TOKEN     Override the alert bot token
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	otelPkg.ObserveBus(ctx, eventBus, metrics)

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	st.SetPropagationWindow(cfg.Pipeline.PropagationWindow)
	logger.Info("startup phase", "phase", "schema_migrated")

	p := prefs.New(st, eventBus, logger)
	lic := license.NewGate(cfg.LicensePath, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				switch filepath.Base(ev.Path) {
				case filepath.Base(cfg.LicensePath):
					if err := lic.Reload(); err != nil {
						logger.Warn("license reload failed", "error", err)
					} else {
						logger.Info("license reloaded")
					}
				case "config.yaml":
					logger.Info("config.yaml changed; restart to apply new settings")
				}
			}
		}()
	}

	ingestor, err := ingest.New(st, p, eventBus, logger, cfg.Outbox.Capacity)
	if err != nil {
		fatalStartup(logger, "E_INGEST_INIT", err)
	}
	var enabled []label.Source
	for _, src := range label.Sources {
		sc := cfg.Sources[src]
		if !sc.Enabled {
			continue
		}
		enabled = append(enabled, src)
		ingestor.StartSource(ctx, src, ingest.SourceOptions{
			WorkerCount: sc.WorkerCount,
			QueueDepth:  sc.QueueDepth,
		})
	}
	ingestor.WatchPrefs(ctx)
	logger.Info("startup phase", "phase", "sources_started", "sources", fmt.Sprint(enabled))

	runner := analyzer.NewRunner(st, p, lic, logger, enabled, cfg.Pipeline.AnalyzerPollInterval,
		analyzer.TextAnalyzer{}, analyzer.URLAnalyzer{}, analyzer.VoiceAnalyzer{})
	runner.Start(ctx)

	userCh, relCh := buildChannels(cfg, logger)
	gate := dispatch.NewGate(st, p, lic, eventBus, logger, userCh, relCh,
		enabled, cfg.Pipeline.DispatchPollInterval)
	gate.Start(ctx)

	autoblock.New(st, p, eventBus, logger).Start(ctx)

	if sc := cfg.Sources[label.SourceMax]; sc.Enabled && sc.FeedURL != "" {
		feed := sources.NewMaxFeed(sc.FeedURL, ingestor, logger)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("max feed stopped", "error", err)
			}
		}()
	}

	scheduler, err := cron.NewScheduler(cron.Config{
		Store:    st,
		Logger:   logger,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := gateway.New(gateway.Config{
		Store:             st,
		Prefs:             p,
		Ingestor:          ingestor,
		Logger:            logger,
		API:               cfg.API,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	logger.Info("startup phase", "phase", "ready", "version", Version)
	if err := srv.Serve(ctx, cfg.BindAddr); err != nil {
		fatalStartup(logger, "E_GATEWAY_SERVE", err)
	}

	stop()
	runner.Wait()
	ingestor.Wait()
	logger.Info("shutdown complete")
}

// buildChannels picks the delivery channels for the two dispatch tracks.
// Telegram when configured, the log channel otherwise so alerts are never
// silently dropped.
func buildChannels(cfg config.Config, logger *slog.Logger) (userCh, relCh channels.Channel) {
	tg := cfg.Channels.Telegram
	if tg.Enabled && tg.Token != "" && len(tg.ChatIDs) > 0 {
		userCh = channels.NewTelegramChannel(tg.Token, tg.ChatIDs[0], logger)
	} else {
		userCh = channels.NewLogChannel(logger)
	}
	if rel := cfg.Channels.Relative; tg.Enabled && tg.Token != "" && len(rel.ChatIDs) > 0 {
		relCh = channels.NewTelegramChannel(tg.Token, rel.ChatIDs[0], logger)
	} else {
		relCh = channels.NewLogChannel(logger)
	}
	return userCh, relCh
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
