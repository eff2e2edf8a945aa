package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidClassifierNames lists the classifier backends that ship with voxseg.
// Used by [Validate] to warn about unrecognised names.
var ValidClassifierNames = []string{"energy", "peak"}

// LookupFunc retrieves the value of an environment variable. [os.LookupEnv]
// satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment (see [ApplyEnv]), and returns a
// validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := load(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays the YAML document in r on [Default]. An empty document
// yields the defaults.
func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// envInts maps the integer environment overrides onto their config fields.
func envInts(cfg *Config) []struct {
	key string
	dst *int
} {
	return []struct {
		key string
		dst *int
	}{
		{"VAD_SR", &cfg.Segmenter.SampleRate},
		{"VAD_FRAME_MS", &cfg.Segmenter.FrameMs},
		{"VAD_START_MS", &cfg.Segmenter.StartMs},
		{"VAD_HANGOVER_MS", &cfg.Segmenter.HangoverMs},
		{"VAD_MIN_SEG_MS", &cfg.Segmenter.MinSegmentMs},
		{"VAD_MAX_SEG_MS", &cfg.Segmenter.MaxSegmentMs},
	}
}

// ApplyEnv overrides cfg with the deployment environment variables:
//
//	VAD_WS_PORT      server.listen_addr (":<port>")
//	VAD_SR           segmenter.sample_rate
//	VAD_FRAME_MS     segmenter.frame_ms
//	VAD_START_MS     segmenter.start_ms
//	VAD_HANGOVER_MS  segmenter.hangover_ms
//	VAD_MIN_SEG_MS   segmenter.min_segment_ms
//	VAD_MAX_SEG_MS   segmenter.max_segment_ms
//
// Unset or empty variables leave the field alone. Values that are not
// integers are reported together in a joined error and nothing is changed
// for them.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	if v, ok := lookup("VAD_WS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("VAD_WS_PORT %q is not a valid port", v))
		} else {
			cfg.Server.ListenAddr = net.JoinHostPort(hostOf(cfg.Server.ListenAddr), strconv.Itoa(port))
		}
	}

	for _, e := range envInts(cfg) {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not an integer", e.key, v))
			continue
		}
		*e.dst = n
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// hostOf returns the host part of a listen address, or "" when addr has none
// or cannot be split.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	} else if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout %s must not be negative", cfg.Server.ReadTimeout))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	// Segmenter
	if err := cfg.Segmenter.Segment().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmenter: %w", err))
	}

	// Classifier
	if cfg.Classifier.Name == "" {
		errs = append(errs, errors.New("classifier.name is required"))
	}
	if cfg.Classifier.Fallback != "" && cfg.Classifier.Fallback == cfg.Classifier.Name {
		errs = append(errs, fmt.Errorf("classifier.fallback %q must differ from classifier.name", cfg.Classifier.Fallback))
	}
	if cfg.Classifier.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("classifier.breaker.max_failures %d must not be negative", cfg.Classifier.Breaker.MaxFailures))
	}
	if cfg.Classifier.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("classifier.breaker.reset_timeout %s must not be negative", cfg.Classifier.Breaker.ResetTimeout))
	}
	validateClassifierName("classifier.name", cfg.Classifier.Name)
	validateClassifierName("classifier.fallback", cfg.Classifier.Fallback)

	return errors.Join(errs...)
}

// validateClassifierName logs a warning if name is non-empty and not one of
// [ValidClassifierNames]. Third-party backends registered at startup are
// legal, so this is not an error.
func validateClassifierName(field, name string) {
	if name == "" || slices.Contains(ValidClassifierNames, name) {
		return
	}
	slog.Warn("unknown classifier name, may be a typo or third-party backend",
		"field", field,
		"name", name,
		"known", ValidClassifierNames,
	)
}
