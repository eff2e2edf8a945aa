// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script a sequence of decisions and inspect the frames that
// were submitted for classification.
//
// Example:
//
//	sess := mock.NewScript(true, true, false)
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns the result of NewSessionFunc, or a new default Session.
	Session vad.SessionHandle

	// NewSessionFunc, if set and Session is nil, builds the returned session.
	// Useful when every stream needs its own script.
	NewSessionFunc func(cfg vad.Config) vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// Name returns BackendName or "mock".
func (e *Engine) Name() string {
	if e.BackendName == "" {
		return "mock"
	}
	return e.BackendName
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	if e.NewSessionFunc != nil {
		return e.NewSessionFunc(cfg), nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// Each Classify call returns the next entry of Decisions. Once the script is
// exhausted, Default is returned (a non-speech flag when unset).
type Session struct {
	mu sync.Mutex

	// Decisions is the scripted sequence of results.
	Decisions []vad.Decision

	// Default is returned when Decisions is exhausted.
	Default *vad.Decision

	// Panic, if true, makes every Classify call panic. Used to check that a
	// misbehaving backend cannot corrupt segmentation state.
	Panic bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to Classify in order.
	Frames [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewScript returns a Session that answers with the given boolean flags.
func NewScript(flags ...bool) *Session {
	s := &Session{Decisions: make([]vad.Decision, len(flags))}
	for i, f := range flags {
		s.Decisions[i] = vad.Flag(f)
	}
	return s
}

// Classify records the frame and returns the next scripted decision.
func (s *Session) Classify(_ context.Context, frame []byte) vad.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.Panic {
		panic("mock: classifier panic")
	}
	idx := len(s.Frames) - 1
	if idx < len(s.Decisions) {
		return s.Decisions[idx]
	}
	if s.Default != nil {
		return *s.Default
	}
	return vad.Flag(false)
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// CallCount returns the number of Classify calls so far. Thread-safe.
func (s *Session) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
