// Package session owns the per-stream segmentation engines.
//
// A [Registry] maps stream identifiers to exactly one live
// [segment.Engine] and its classifier session. It serialises access per
// stream, so that each engine keeps a single writer even when a stream is
// driven from more than one goroutine, and it guarantees that every engine is
// flushed exactly once when its stream closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/MrWong99/voxseg/internal/segment"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

var (
	// ErrUnknownSession is returned for operations on a handle that was never
	// created or has already been closed.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrStreamExists is returned by Create when the stream id is live.
	ErrStreamExists = errors.New("session: stream already exists")

	// ErrCapacity is returned by Create when the registry is full.
	ErrCapacity = errors.New("session: too many concurrent sessions")
)

// Handle identifies one live session. Handles are comparable values; a handle
// of a closed stream stays invalid even if the stream id is reused.
type Handle struct {
	StreamID string
	gen      uint64
}

// Info describes a live session.
type Info struct {
	StreamID  string
	Backend   string
	Config    segment.Config
	StartedAt time.Time
}

// Observer receives session lifecycle and per-frame notifications. All
// methods are called synchronously from the goroutine driving the stream and
// must not block.
type Observer interface {
	SessionOpened(streamID string)
	FrameProcessed(streamID string, res segment.Result, err error)
	SessionClosed(streamID string, res segment.Result)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxSessions limits the number of concurrently live sessions. Zero or a
// negative value means no limit.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithObserver registers an observer for session events.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

type entry struct {
	gen  uint64
	info Info

	mu     sync.Mutex
	closed bool
	eng    *segment.Engine
	cls    vad.SessionHandle
}

// Registry owns one segmentation engine per live stream. All methods are safe
// for concurrent use.
type Registry struct {
	engine      vad.Engine
	maxSessions int
	observer    Observer

	mu       sync.Mutex
	sessions map[string]*entry
	gen      uint64
}

// NewRegistry creates an empty Registry that builds classifier sessions with
// engine.
func NewRegistry(engine vad.Engine, opts ...Option) *Registry {
	r := &Registry{
		engine:   engine,
		sessions: make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Backend returns the name of the classifier engine.
func (r *Registry) Backend() string { return r.engine.Name() }

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// MaxSessions returns the configured session limit, zero when unlimited.
func (r *Registry) MaxSessions() int {
	if r.maxSessions < 0 {
		return 0
	}
	return r.maxSessions
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.info)
	}
	return out
}

// Create opens a session for streamID. An empty streamID is replaced with a
// generated one. The configuration is validated before any classifier
// resources are allocated.
func (r *Registry) Create(streamID string, cfg segment.Config) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return Handle{}, fmt.Errorf("session: create %q: %w", streamID, err)
	}
	if streamID == "" {
		streamID = xid.New().String()
	}
	if err := r.checkAdmission(streamID); err != nil {
		return Handle{}, err
	}

	cls, err := r.engine.NewSession(vad.Config{
		SampleRate:      cfg.SampleRate,
		FrameSizeMs:     cfg.FrameMs,
		SpeechThreshold: cfg.ScoreThreshold,
	})
	if err != nil {
		if !errors.Is(err, vad.ErrClassifierUnavailable) {
			err = fmt.Errorf("%w: %w", vad.ErrClassifierUnavailable, err)
		}
		return Handle{}, fmt.Errorf("session: create %q: %w", streamID, err)
	}
	eng, err := segment.New(cfg, cls)
	if err != nil {
		_ = cls.Close()
		return Handle{}, fmt.Errorf("session: create %q: %w", streamID, err)
	}

	r.mu.Lock()
	// Admission is checked again: the classifier was built without the lock.
	if err := r.checkAdmissionLocked(streamID); err != nil {
		r.mu.Unlock()
		_ = cls.Close()
		return Handle{}, err
	}
	r.gen++
	e := &entry{
		gen: r.gen,
		info: Info{
			StreamID:  streamID,
			Backend:   r.engine.Name(),
			Config:    cfg,
			StartedAt: time.Now().UTC(),
		},
		eng: eng,
		cls: cls,
	}
	r.sessions[streamID] = e
	r.mu.Unlock()

	slog.Info("session: opened", "stream", streamID, "backend", e.info.Backend)
	if r.observer != nil {
		r.observer.SessionOpened(streamID)
	}
	return Handle{StreamID: streamID, gen: e.gen}, nil
}

func (r *Registry) checkAdmission(streamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkAdmissionLocked(streamID)
}

func (r *Registry) checkAdmissionLocked(streamID string) error {
	if _, ok := r.sessions[streamID]; ok {
		return fmt.Errorf("session: create %q: %w", streamID, ErrStreamExists)
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return fmt.Errorf("session: create %q: %w (limit %d)", streamID, ErrCapacity, r.maxSessions)
	}
	return nil
}

func (r *Registry) lookup(h Handle) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[h.StreamID]
	if !ok || e.gen != h.gen {
		return nil, fmt.Errorf("session: %q: %w", h.StreamID, ErrUnknownSession)
	}
	return e, nil
}

// Dispatch pushes frame into the session's engine. Concurrent callers on the
// same handle are serialised.
func (r *Registry) Dispatch(ctx context.Context, h Handle, frame []byte) (segment.Result, error) {
	e, err := r.lookup(h)
	if err != nil {
		return segment.Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return segment.Result{}, fmt.Errorf("session: %q: %w", h.StreamID, ErrUnknownSession)
	}
	res, err := e.eng.PushFrame(ctx, frame)
	if r.observer != nil {
		r.observer.FrameProcessed(h.StreamID, res, err)
	}
	if err != nil {
		return res, fmt.Errorf("session: dispatch %q: %w", h.StreamID, err)
	}
	return res, nil
}

// Close flushes the session's engine, releases its classifier, and removes it
// from the registry. The flush happens exactly once per session; later calls
// with the same handle fail with [ErrUnknownSession]. The flush result is
// returned even when releasing the classifier fails.
func (r *Registry) Close(h Handle) (segment.Result, error) {
	r.mu.Lock()
	e, ok := r.sessions[h.StreamID]
	if !ok || e.gen != h.gen {
		r.mu.Unlock()
		return segment.Result{}, fmt.Errorf("session: close %q: %w", h.StreamID, ErrUnknownSession)
	}
	delete(r.sessions, h.StreamID)
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true

	res, err := e.eng.Flush()
	if err != nil {
		// Unreachable while the registry is the only owner of the engine.
		slog.Warn("session: flush failed", "stream", h.StreamID, "err", err)
	}
	if r.observer != nil {
		r.observer.SessionClosed(h.StreamID, res)
	}
	slog.Info("session: closed", "stream", h.StreamID, "clock_ms", e.eng.ClockMs(), "events", len(res.Events))

	if cerr := e.cls.Close(); cerr != nil {
		return res, fmt.Errorf("session: close %q: classifier: %w", h.StreamID, cerr)
	}
	return res, nil
}

// CloseAll closes every live session and returns the flush results keyed by
// stream id.
func (r *Registry) CloseAll() map[string]segment.Result {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.sessions))
	for id, e := range r.sessions {
		handles = append(handles, Handle{StreamID: id, gen: e.gen})
	}
	r.mu.Unlock()

	out := make(map[string]segment.Result, len(handles))
	for _, h := range handles {
		res, err := r.Close(h)
		if errors.Is(err, ErrUnknownSession) {
			continue
		}
		if err != nil {
			slog.Warn("session: close during shutdown", "stream", h.StreamID, "err", err)
		}
		out[h.StreamID] = res
	}
	return out
}
