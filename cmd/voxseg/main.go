// Command voxseg is the voice activity segmentation server.
//
// It accepts PCM16 audio over a WebSocket (/ws/vad) or as a WAV upload
// (POST /vad) and answers with speech segment boundaries and the voiced
// audio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxseg/internal/app"
	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxseg: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxseg: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxseg starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		DisableMetrics: !cfg.Observability.Metrics,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Classifier ────────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	classifier, err := app.BuildClassifier(cfg.Classifier, config.NewBuiltinRegistry(), metrics)
	if err != nil {
		slog.Error("failed to build classifier", "err", err)
		_ = otelShutdown(context.Background())
		return 1
	}

	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithCloser(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return otelShutdown(sctx)
		}),
	}
	if *watch && *configPath != "" {
		opts = append(opts, app.WithConfigWatcher(*configPath, 0))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, classifier.Name())

	application, err := app.New(ctx, cfg, &app.Providers{Classifier: classifier}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = otelShutdown(context.Background())
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", application.Addr().String())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or starts from the defaults when no file is given.
// Environment overrides apply in both cases.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printStartupSummary(cfg *config.Config, backend string) {
	seg := cfg.Segmenter
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxseg · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Classifier      : %-19s ║\n", backend)
	fmt.Printf("║  Sample rate     : %-19s ║\n", fmt.Sprintf("%d Hz", seg.SampleRate))
	fmt.Printf("║  Frame           : %-19s ║\n", fmt.Sprintf("%d ms", seg.FrameMs))
	fmt.Printf("║  Start/hangover  : %-19s ║\n", fmt.Sprintf("%d/%d ms", seg.StartMs, seg.HangoverMs))
	fmt.Printf("║  Segment min/max : %-19s ║\n", fmt.Sprintf("%d/%d ms", seg.MinSegmentMs, seg.MaxSegmentMs))
	if cfg.Server.MaxSessions > 0 {
		fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Server.MaxSessions)
	} else {
		fmt.Printf("║  Max sessions    : %-19s ║\n", "(unlimited)")
	}
	metrics := "(disabled)"
	if cfg.Observability.Metrics {
		metrics = "/metrics"
	}
	fmt.Printf("║  Metrics         : %-19s ║\n", metrics)
	fmt.Printf("║  Classifiers     : %-19s ║\n", strings.Join(config.ValidClassifierNames, ", "))
	fmt.Println("╚═══════════════════════════════════════╝")
}
