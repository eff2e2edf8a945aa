// Package peak provides a peak-amplitude voice activity classifier. A frame
// is speech when the absolute value of any of its samples reaches the
// configured threshold. Decisions are boolean flags.
package peak

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

const defaultThreshold = 2000

// Option is a functional option for configuring the peak Engine.
type Option func(*Engine)

// WithThreshold sets the absolute PCM16 amplitude at or above which a frame
// counts as speech.
func WithThreshold(amplitude int) Option {
	return func(e *Engine) {
		e.threshold = amplitude
	}
}

// Engine implements vad.Engine using the frame's peak absolute amplitude.
type Engine struct {
	threshold int
}

// New creates a peak Engine. The threshold must lie in [1, 32768].
func New(opts ...Option) (*Engine, error) {
	e := &Engine{threshold: defaultThreshold}
	for _, o := range opts {
		o(e)
	}
	if e.threshold < 1 || e.threshold > 32768 {
		return nil, fmt.Errorf("peak: threshold must be in [1, 32768], got %d", e.threshold)
	}
	return e, nil
}

// Name implements vad.Engine.
func (e *Engine) Name() string { return "peak" }

// Threshold returns the configured amplitude threshold.
func (e *Engine) Threshold() int { return e.threshold }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("peak: %w: sample rate %d / frame %d ms", vad.ErrClassifierUnavailable, cfg.SampleRate, cfg.FrameSizeMs)
	}
	return &session{threshold: e.threshold}, nil
}

var errClosed = errors.New("peak: session closed")

type session struct {
	threshold int
	closed    atomic.Bool
}

func (s *session) Classify(ctx context.Context, frame []byte) vad.Decision {
	if err := ctx.Err(); err != nil {
		return vad.Failed(err)
	}
	if s.closed.Load() {
		return vad.Failed(errClosed)
	}
	if len(frame)%2 != 0 {
		return vad.Failed(fmt.Errorf("peak: odd frame length %d", len(frame)))
	}
	return vad.Flag(Peak(frame) >= s.threshold)
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// Peak returns the largest absolute sample value of little-endian PCM16
// audio. The result of -32768 is reported as 32768.
func Peak(pcm []byte) int {
	var peak int
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
