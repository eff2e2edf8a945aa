// Package vad defines the Engine interface for voice activity classifier
// backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy detector, a
// neural model, a remote inference call) and surfaces it as a per-stream
// session. The segmenter consumes nothing but the [Decision] returned by
// [SessionHandle.Classify]; it attaches no meaning to any state a backend keeps
// between calls.
//
// Backends are chosen once, by name, when the process starts (see the
// classifier registry in internal/config). There is no runtime probing of
// method sets and no silent fallback chain: failover, when wanted, is an
// explicit wrapper engine (internal/resilience.VADFallback).
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is driven by exactly one goroutine.
package vad

import (
	"context"
	"errors"
)

// ErrClassifierUnavailable reports that a classifier could not be constructed
// or could not produce a usable decision for a frame.
var ErrClassifierUnavailable = errors.New("vad: classifier unavailable")

// Config holds the parameters for a classifier session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to Classify. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame counts as speech.
	// Backends that produce a boolean flag may ignore it; backends that map an
	// internal measure onto a score use it to place their decision boundary.
	// Range: (0.0, 1.0].
	SpeechThreshold float64
}

// SessionHandle is a classifier session for a single audio stream.
type SessionHandle interface {
	// Classify returns the decision for one frame of little-endian PCM16 audio
	// at the SampleRate and FrameSizeMs configured for the session.
	//
	// Classify never returns an error value: a failure is reported as a
	// [Decision] of kind [KindFailed]. The call may block (local inference,
	// cgo, a network round trip) and should honour ctx cancellation.
	Classify(ctx context.Context, frame []byte) Decision

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for classifier sessions.
type Engine interface {
	// Name identifies the backend in the stream handshake and in telemetry.
	Name() string

	// NewSession creates a classifier session with the given configuration.
	// Returns an error if the configuration is unsupported or if the backend
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
