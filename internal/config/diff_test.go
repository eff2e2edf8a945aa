package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxseg/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantLog     bool
		wantSeg     bool
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:    "segmenter",
			mutate:  func(c *config.Config) { c.Segmenter.HangoverMs = 400 },
			wantSeg: true,
		},
		{
			name: "restart fields",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":6000"
				c.Server.ReadTimeout = time.Minute
				c.Classifier.Name = "peak"
				c.Observability.Metrics = false
			},
			wantRestart: []string{"server.listen_addr", "server.read_timeout", "classifier", "observability"},
		},
		{
			name: "classifier options",
			mutate: func(c *config.Config) {
				c.Classifier.Options = map[string]any{"energy_threshold": 700}
			},
			wantRestart: []string{"classifier"},
		},
		{
			name: "empty options map",
			mutate: func(c *config.Config) {
				c.Classifier.Options = map[string]any{}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			next := config.Default()
			tt.mutate(next)

			d := config.Diff(old, next)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if tt.wantLog && d.NewLogLevel != next.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if d.SegmenterChanged != tt.wantSeg {
				t.Errorf("SegmenterChanged = %v, want %v", d.SegmenterChanged, tt.wantSeg)
			}
			if tt.wantSeg && d.NewSegmenter != next.Segmenter {
				t.Errorf("NewSegmenter = %+v", d.NewSegmenter)
			}
			if d.HotReloadable() != (tt.wantLog || tt.wantSeg) {
				t.Errorf("HotReloadable = %v", d.HotReloadable())
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}
