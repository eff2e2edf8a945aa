// Package config provides the configuration schema, loader, and classifier
// registry for the voxseg segmentation server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxseg/internal/segment"
)

// LogLevel controls log verbosity for the voxseg server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown and empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxseg.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// Fields absent from the file keep the values of [Default].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5780").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadTimeout closes a stream that sends nothing for this long.
	// Zero disables the idle timeout.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxSessions caps concurrently open streams. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// AudioPrefix prepends the two-byte marker 0xAA 0x01 to every binary
	// audio message sent to stream clients.
	AudioPrefix bool `yaml:"audio_prefix"`
}

// SegmenterConfig is the YAML form of [segment.Config]. All durations are in
// milliseconds.
type SegmenterConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	FrameMs        int     `yaml:"frame_ms"`
	StartMs        int     `yaml:"start_ms"`
	HangoverMs     int     `yaml:"hangover_ms"`
	MinSegmentMs   int     `yaml:"min_segment_ms"`
	MaxSegmentMs   int     `yaml:"max_segment_ms"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// Segment converts s to the engine configuration.
func (s SegmenterConfig) Segment() segment.Config {
	return segment.Config{
		SampleRate:     s.SampleRate,
		FrameMs:        s.FrameMs,
		StartMs:        s.StartMs,
		HangoverMs:     s.HangoverMs,
		MinSegmentMs:   s.MinSegmentMs,
		MaxSegmentMs:   s.MaxSegmentMs,
		ScoreThreshold: s.ScoreThreshold,
	}
}

// ClassifierConfig selects the frame classifier backend.
type ClassifierConfig struct {
	// Name selects the registered backend (e.g., "energy", "peak").
	Name string `yaml:"name"`

	// Fallback optionally names a second backend used while the primary
	// fails. Empty disables failover.
	Fallback string `yaml:"fallback"`

	// Options holds backend-specific values such as energy_threshold or
	// peak_threshold. Each backend ignores keys it does not know.
	Options map[string]any `yaml:"options"`

	// Breaker tunes the per-backend circuit breaker used with Fallback.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures a classifier circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before a trial call.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ObservabilityConfig controls telemetry export.
type ObservabilityConfig struct {
	// ServiceName is the OpenTelemetry service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// Default returns the configuration used when a field is not set in the
// file.
func Default() *Config {
	seg := segment.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":5780",
			LogLevel:    LogInfo,
			ReadTimeout: 30 * time.Second,
			AudioPrefix: true,
		},
		Segmenter: SegmenterConfig{
			SampleRate:     seg.SampleRate,
			FrameMs:        seg.FrameMs,
			StartMs:        seg.StartMs,
			HangoverMs:     seg.HangoverMs,
			MinSegmentMs:   seg.MinSegmentMs,
			MaxSegmentMs:   seg.MaxSegmentMs,
			ScoreThreshold: seg.ScoreThreshold,
		},
		Classifier: ClassifierConfig{
			Name: "energy",
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			ServiceName: "voxseg",
			Metrics:     true,
		},
	}
}
