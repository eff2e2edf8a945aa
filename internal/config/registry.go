package config

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/energy"
	"github.com/MrWong99/voxseg/pkg/provider/vad/peak"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested classifier name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ClassifierFactory builds a classifier engine from its backend options.
type ClassifierFactory func(opts map[string]any) (vad.Engine, error)

// Registry maps classifier names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	classifiers map[string]ClassifierFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		classifiers: make(map[string]ClassifierFactory),
	}
}

// NewBuiltinRegistry returns a [Registry] with the classifiers that ship
// with voxseg:
//
//	energy  options: energy_threshold (RMS, default 500)
//	peak    options: peak_threshold (absolute sample, default 2000)
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register("energy", func(opts map[string]any) (vad.Engine, error) {
		var eopts []energy.Option
		th, ok, err := optFloat(opts, "energy_threshold")
		if err != nil {
			return nil, err
		}
		if ok {
			eopts = append(eopts, energy.WithThreshold(th))
		}
		return energy.New(eopts...)
	})
	r.Register("peak", func(opts map[string]any) (vad.Engine, error) {
		var popts []peak.Option
		th, ok, err := optFloat(opts, "peak_threshold")
		if err != nil {
			return nil, err
		}
		if ok {
			if th != math.Trunc(th) {
				return nil, fmt.Errorf("config: option peak_threshold %v must be an integer", th)
			}
			popts = append(popts, peak.WithThreshold(int(th)))
		}
		return peak.New(popts...)
	})
	return r
}

// Register registers a classifier factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = factory
}

// Names returns the registered classifier names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classifiers))
	for name := range r.classifiers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates the classifier registered under name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(name string, opts map[string]any) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.classifiers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	e, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("config: create classifier %q: %w", name, err)
	}
	return e, nil
}

// optFloat extracts a numeric option. YAML integers decode as int and
// decimals as float64; both are accepted. Any other type is an error.
func optFloat(opts map[string]any, key string) (float64, bool, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("config: option %s must be a number, got %T", key, v)
	}
}
