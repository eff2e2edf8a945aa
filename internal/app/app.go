// Package app wires all voxseg subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// tears everything down in order:
//
//  1. live streams are flushed and closed (their final events are sent),
//  2. the HTTP server stops accepting and drains in-flight uploads,
//  3. any session still registered is flushed,
//  4. closers (config watcher, telemetry exporters) run in order.
//
// For testing, inject a listener, level variable, or metrics via functional
// options. When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/health"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/segment"
	"github.com/MrWong99/voxseg/internal/session"
	"github.com/MrWong99/voxseg/internal/transport/httpvad"
	"github.com/MrWong99/voxseg/internal/transport/wsvad"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// drainTimeout bounds how long Run waits for streams and requests to finish
// after its context is cancelled.
const drainTimeout = 10 * time.Second

// Providers holds the backends the application consumes. Populated by
// main.go via the config registry (see [BuildClassifier]).
type Providers struct {
	Classifier vad.Engine
}

// App owns all subsystem lifetimes of the segmentation server.
type App struct {
	cfg       *config.Config
	providers *Providers

	segmenter atomic.Pointer[segment.Config]
	logLevel  *slog.LevelVar
	metrics   *observe.Metrics

	registry *session.Registry
	streams  *wsvad.Handler
	files    *httpvad.Handler
	health   *health.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	drainOnce sync.Once
	drainErr  error
	stopOnce  sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLevelVar lets config reloads change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics injects the metric instruments instead of using
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatcher reloads the config file at path every interval (zero
// means the watcher's default) and applies hot-reloadable changes.
func WithConfigWatcher(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to run at the end of Shutdown, after all sessions
// are flushed. Typically the telemetry shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. New binds the listen address, so an address conflict is
// reported here rather than by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Classifier == nil {
		return nil, fmt.Errorf("app: %w: no classifier configured", vad.ErrClassifierUnavailable)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	var extraClosers []func() error
	for _, o := range opts {
		o(a)
	}
	extraClosers, a.closers = a.closers, nil

	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Level())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	seg := cfg.Segmenter.Segment()
	a.segmenter.Store(&seg)

	// ── 1. Session registry ──────────────────────────────────────────────
	a.registry = session.NewRegistry(providers.Classifier,
		session.WithMaxSessions(cfg.Server.MaxSessions),
		session.WithObserver(observe.NewSessionRecorder(a.metrics)),
	)

	// ── 2. Entry points ──────────────────────────────────────────────────
	a.streams = wsvad.New(a.registry, a.SegmenterConfig,
		wsvad.WithAudioPrefix(cfg.Server.AudioPrefix),
		wsvad.WithReadTimeout(cfg.Server.ReadTimeout),
	)
	a.files = httpvad.New(a.registry, a.SegmenterConfig)
	a.health = health.New(
		health.Checker{Name: "sessions", Check: a.checkCapacity},
		health.Checker{Name: "classifier", Check: a.checkClassifier},
	).WithInfo(a.info)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/vad", a.streams)
	mux.Handle("POST /vad", a.files)
	a.health.Register(mux)
	if cfg.Observability.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	// ── 3. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig, wopts...)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}
	a.closers = append(a.closers, extraClosers...)

	// ── 4. Listener ──────────────────────────────────────────────────────
	if a.listener == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", cfg.Server.ListenAddr)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
		}
		a.listener = l
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.Info("app: initialised",
		"addr", a.listener.Addr().String(),
		"backend", a.registry.Backend(),
		"max_sessions", cfg.Server.MaxSessions,
		"metrics", cfg.Observability.Metrics,
	)
	return a, nil
}

// Addr returns the address the server is bound to.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Handler returns the root HTTP handler, including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// SegmenterConfig returns the configuration applied to newly opened
// sessions.
func (a *App) SegmenterConfig() segment.Config { return *a.segmenter.Load() }

// LogLevel returns the current process log level.
func (a *App) LogLevel() slog.Level { return a.logLevel.Level() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// On cancellation it drains live streams and in-flight requests and returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("app: serving", "addr", a.listener.Addr().String())
		if err := a.server.Serve(a.listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.drain(dctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// drain stops the entry points: streams first, so that their final events
// are written while the server is still up, then the HTTP server.
func (a *App) drain(ctx context.Context) error {
	a.drainOnce.Do(func() {
		var errs []error
		if err := a.streams.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: close streams: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop server: %w", err))
		}
		// Serve closes the listener; this covers an app that never ran.
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("app: close listener: %w", err))
		}
		a.drainErr = errors.Join(errs...)
	})
	return a.drainErr
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))

		if err := a.drain(ctx); err != nil {
			slog.Warn("app: drain error", "err", err)
		}

		flushed := a.registry.CloseAll()
		if len(flushed) > 0 {
			slog.Info("app: flushed remaining sessions", "count", len(flushed))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level immediately, the segmenter parameters to sessions opened
// from now on. Live sessions keep the configuration they started with.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SegmenterChanged {
		seg := d.NewSegmenter.Segment()
		a.segmenter.Store(&seg)
		slog.Info("app: segmenter config changed; applies to new sessions",
			"live_sessions", a.registry.Len(),
			"start_ms", seg.StartMs,
			"hangover_ms", seg.HangoverMs,
			"min_segment_ms", seg.MinSegmentMs,
			"max_segment_ms", seg.MaxSegmentMs,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkCapacity(context.Context) error {
	if limit := a.registry.MaxSessions(); limit > 0 && a.registry.Len() >= limit {
		return fmt.Errorf("%w: %d of %d sessions in use", session.ErrCapacity, a.registry.Len(), limit)
	}
	return nil
}

// checkClassifier opens a throwaway classifier session and classifies one
// frame of silence.
func (a *App) checkClassifier(ctx context.Context) error {
	seg := a.SegmenterConfig()
	h, err := a.providers.Classifier.NewSession(vad.Config{
		SampleRate:      seg.SampleRate,
		FrameSizeMs:     seg.FrameMs,
		SpeechThreshold: seg.ScoreThreshold,
	})
	if err != nil {
		return err
	}
	defer h.Close()
	return h.Classify(ctx, make([]byte, seg.FrameBytes())).Validate()
}

func (a *App) info() map[string]any {
	seg := a.SegmenterConfig()
	return map[string]any{
		"backend":  a.registry.Backend(),
		"sessions": a.registry.Len(),
		"streams":  a.streams.Active(),
		"sr":       seg.SampleRate,
		"frame_ms": seg.FrameMs,
	}
}
