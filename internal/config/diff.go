package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Log level and segmenter changes are applied by the running server: the log
// level immediately, the segmenter parameters to streams opened afterwards.
// Every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SegmenterChanged bool
	NewSegmenter     SegmenterConfig

	// RestartRequired names the top-level fields whose change only takes
	// effect after a restart, in schema order.
	RestartRequired []string
}

// HotReloadable reports whether anything applicable without restart changed.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.SegmenterChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
		d.NewSegmenter = new.Segmenter
	}

	restart := func(changed bool, field string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr")
	restart(old.Server.ReadTimeout != new.Server.ReadTimeout, "server.read_timeout")
	restart(old.Server.MaxSessions != new.Server.MaxSessions, "server.max_sessions")
	restart(old.Server.AudioPrefix != new.Server.AudioPrefix, "server.audio_prefix")
	restart(!classifierEqual(old.Classifier, new.Classifier), "classifier")
	restart(old.Observability != new.Observability, "observability")

	return d
}

// classifierEqual compares two classifier sections. A nil and an empty
// options map are equal.
func classifierEqual(a, b ClassifierConfig) bool {
	if a.Name != b.Name || a.Fallback != b.Fallback || a.Breaker != b.Breaker {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
