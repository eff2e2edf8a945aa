package segment

import (
	"errors"
	"fmt"
	"math"
)

// Default segmenter parameters for 16 kHz, 10 ms framing.
const (
	DefaultSampleRate     = 16000
	DefaultFrameMs        = 10
	DefaultStartMs        = 50
	DefaultHangoverMs     = 200
	DefaultMinSegmentMs   = 150
	DefaultMaxSegmentMs   = 30000
	DefaultScoreThreshold = 0.5
)

// Config holds the immutable per-session segmentation parameters. Durations
// are converted to whole frames with floor division.
type Config struct {
	// SampleRate is the PCM16 sample rate in Hz.
	SampleRate int

	// FrameMs is the duration of every frame pushed to the engine.
	FrameMs int

	// StartMs is the start-confirmation window: this much consecutive speech
	// is required before a segment opens.
	StartMs int

	// HangoverMs is the amount of trailing silence an open segment absorbs
	// before it closes. May be zero.
	HangoverMs int

	// MinSegmentMs is the shortest segment that is emitted rather than
	// discarded.
	MinSegmentMs int

	// MaxSegmentMs caps the buffered segment. A segment reaching it is closed
	// and emitted immediately.
	MaxSegmentMs int

	// ScoreThreshold converts a classifier score to a speech flag. A score at
	// or above the threshold is speech. Range: (0, 1].
	ScoreThreshold float64
}

// DefaultConfig returns the default segmentation parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:     DefaultSampleRate,
		FrameMs:        DefaultFrameMs,
		StartMs:        DefaultStartMs,
		HangoverMs:     DefaultHangoverMs,
		MinSegmentMs:   DefaultMinSegmentMs,
		MaxSegmentMs:   DefaultMaxSegmentMs,
		ScoreThreshold: DefaultScoreThreshold,
	}
}

// FrameConfig expresses the segmentation windows in frames.
type FrameConfig struct {
	StartFrames      int
	HangoverFrames   int
	MinSegmentFrames int
	MaxSegmentFrames int
}

// FromFrames builds a Config whose millisecond windows are exact multiples of
// frameMs.
func FromFrames(sampleRate, frameMs int, fc FrameConfig, threshold float64) Config {
	return Config{
		SampleRate:     sampleRate,
		FrameMs:        frameMs,
		StartMs:        fc.StartFrames * frameMs,
		HangoverMs:     fc.HangoverFrames * frameMs,
		MinSegmentMs:   fc.MinSegmentFrames * frameMs,
		MaxSegmentMs:   fc.MaxSegmentFrames * frameMs,
		ScoreThreshold: threshold,
	}
}

// Frames returns the windows of c in whole frames. The result is meaningless
// when FrameMs is not positive.
func (c Config) Frames() FrameConfig {
	if c.FrameMs <= 0 {
		return FrameConfig{}
	}
	return FrameConfig{
		StartFrames:      c.StartMs / c.FrameMs,
		HangoverFrames:   c.HangoverMs / c.FrameMs,
		MinSegmentFrames: c.MinSegmentMs / c.FrameMs,
		MaxSegmentFrames: c.MaxSegmentMs / c.FrameMs,
	}
}

// SamplesPerFrame returns SampleRate*FrameMs/1000.
func (c Config) SamplesPerFrame() int {
	return c.SampleRate * c.FrameMs / 1000
}

// FrameBytes returns the byte length every frame must have.
func (c Config) FrameBytes() int {
	return c.SamplesPerFrame() * 2
}

// Validate checks that every window reduces to a usable frame count and that
// the windows are consistent with each other. All problems are reported
// together, wrapped in [ErrInvalidConfiguration].
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("frame_ms must be positive, got %d", c.FrameMs))
	}
	if c.SampleRate > 0 && c.FrameMs > 0 && c.SamplesPerFrame() < 1 {
		errs = append(errs, fmt.Errorf("frame of %d ms at %d Hz holds no samples", c.FrameMs, c.SampleRate))
	}
	if math.IsNaN(c.ScoreThreshold) || c.ScoreThreshold <= 0 || c.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("score_threshold must be in (0, 1], got %v", c.ScoreThreshold))
	}
	if c.HangoverMs < 0 {
		errs = append(errs, fmt.Errorf("hangover_ms must not be negative, got %d", c.HangoverMs))
	}

	if c.FrameMs > 0 {
		fc := c.Frames()
		if fc.StartFrames < 1 {
			errs = append(errs, fmt.Errorf("start_ms %d is shorter than one %d ms frame", c.StartMs, c.FrameMs))
		}
		if fc.MinSegmentFrames < 1 {
			errs = append(errs, fmt.Errorf("min_segment_ms %d is shorter than one %d ms frame", c.MinSegmentMs, c.FrameMs))
		}
		if fc.MaxSegmentFrames < 1 {
			errs = append(errs, fmt.Errorf("max_segment_ms %d is shorter than one %d ms frame", c.MaxSegmentMs, c.FrameMs))
		} else {
			if fc.MaxSegmentFrames < fc.MinSegmentFrames {
				errs = append(errs, fmt.Errorf("max_segment_ms %d is below min_segment_ms %d", c.MaxSegmentMs, c.MinSegmentMs))
			}
			if fc.MaxSegmentFrames < fc.StartFrames {
				errs = append(errs, fmt.Errorf("max_segment_ms %d is below start_ms %d", c.MaxSegmentMs, c.StartMs))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
}
