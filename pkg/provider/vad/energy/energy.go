// Package energy provides an RMS-energy voice activity classifier. It
// implements the vad.Engine interface without any native dependencies and is
// the default backend.
//
// Each frame is reduced to its root-mean-square amplitude and mapped onto a
// score in [0, 1) as rms/(rms+threshold), so a frame whose RMS equals the
// configured energy threshold scores exactly 0.5.
package energy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

const defaultThreshold = 500

// Option is a functional option for configuring the energy Engine.
type Option func(*Engine)

// WithThreshold sets the RMS amplitude (in PCM16 sample units) that maps to a
// score of 0.5.
func WithThreshold(rms float64) Option {
	return func(e *Engine) {
		e.threshold = rms
	}
}

// Engine implements vad.Engine using frame RMS energy.
type Engine struct {
	threshold float64
}

// New creates an energy Engine. The threshold must be positive.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{threshold: defaultThreshold}
	for _, o := range opts {
		o(e)
	}
	if e.threshold <= 0 || math.IsNaN(e.threshold) || math.IsInf(e.threshold, 0) {
		return nil, fmt.Errorf("energy: threshold must be a positive finite number, got %v", e.threshold)
	}
	return e, nil
}

// Name implements vad.Engine.
func (e *Engine) Name() string { return "energy" }

// Threshold returns the configured RMS threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: %w: sample rate %d / frame %d ms", vad.ErrClassifierUnavailable, cfg.SampleRate, cfg.FrameSizeMs)
	}
	return &session{threshold: e.threshold}, nil
}

var errClosed = errors.New("energy: session closed")

type session struct {
	threshold float64
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
		return vad.Failed(fmt.Errorf("energy: odd frame length %d", len(frame)))
	}
	rms := RMS(frame)
	return vad.Score(rms / (rms + s.threshold))
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// RMS computes the root-mean-square amplitude of little-endian PCM16 audio.
// A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := range n {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSquares += sample * sample
	}
	return math.Sqrt(sumSquares / float64(n))
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)
