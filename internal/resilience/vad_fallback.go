package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// VADFallback implements [vad.Engine] over an ordered list of classifier
// engines. Every session opens a classifier session on each backend that
// accepts it and classifies each frame with the first healthy one. Breakers
// belong to the backends, not to sessions, so a backend that keeps failing is
// skipped by every stream until it recovers.
type VADFallback struct {
	group *FallbackGroup[vad.Engine]
}

// Compile-time interface assertion.
var _ vad.Engine = (*VADFallback)(nil)

// NewVADFallback creates a [VADFallback] with primary as the preferred
// backend. Entries are named after [vad.Engine.Name].
func NewVADFallback(primary vad.Engine, cfg FallbackConfig) *VADFallback {
	return &VADFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *VADFallback) AddFallback(e vad.Engine) {
	f.group.AddFallback(e.Name(), e)
}

// Name joins the backend names in order with ">", e.g. "energy>peak".
func (f *VADFallback) Name() string {
	return strings.Join(f.group.Names(), ">")
}

// Breaker returns the circuit breaker guarding the named backend, or nil.
func (f *VADFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// NewSession opens a classifier session on every backend. Backends that fail
// to open are left out of this session; it is an error only when none open.
func (f *VADFallback) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var errs []string
	sessions := Derive(f.group, func(name string, e vad.Engine) (vad.SessionHandle, bool) {
		h, err := e.NewSession(cfg)
		if err != nil {
			slog.Warn("resilience: classifier backend unavailable for session", "backend", name, "err", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return nil, false
		}
		return h, true
	})
	if sessions.Len() == 0 {
		return nil, fmt.Errorf("resilience: %w: %s", vad.ErrClassifierUnavailable, strings.Join(errs, "; "))
	}
	return &fallbackSession{group: sessions}, nil
}

type fallbackSession struct {
	group *FallbackGroup[vad.SessionHandle]

	closeOnce sync.Once
	closeErr  error
}

// Classify returns the first usable decision. Unusable decisions count as
// backend failures. When every backend fails the result is a failed decision.
func (s *fallbackSession) Classify(ctx context.Context, frame []byte) vad.Decision {
	d, _, err := ExecuteWithResult(s.group, func(h vad.SessionHandle) (vad.Decision, error) {
		d := h.Classify(ctx, frame)
		return d, d.Validate()
	})
	if err != nil {
		return vad.Failed(err)
	}
	return d
}

func (s *fallbackSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []string
		for _, e := range s.group.entries {
			if err := e.value.Close(); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", e.name, err))
			}
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("resilience: close classifier sessions: %s", strings.Join(errs, "; "))
		}
	})
	return s.closeErr
}
