package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/energy"
	"github.com/MrWong99/voxseg/pkg/provider/vad/mock"
	"github.com/MrWong99/voxseg/pkg/provider/vad/peak"
)

func TestBuiltinRegistry_Names(t *testing.T) {
	t.Parallel()

	got := config.NewBuiltinRegistry().Names()
	if !slices.Equal(got, config.ValidClassifierNames) {
		t.Errorf("Names() = %v, want %v", got, config.ValidClassifierNames)
	}
}

func TestBuiltinRegistry_Create(t *testing.T) {
	t.Parallel()

	reg := config.NewBuiltinRegistry()

	e, err := reg.Create("energy", map[string]any{"energy_threshold": 320.5})
	if err != nil {
		t.Fatalf("Create energy: %v", err)
	}
	if en, ok := e.(*energy.Engine); !ok || en.Threshold() != 320.5 {
		t.Errorf("energy engine = %#v", e)
	}

	p, err := reg.Create("peak", map[string]any{"peak_threshold": 1500})
	if err != nil {
		t.Fatalf("Create peak: %v", err)
	}
	if pk, ok := p.(*peak.Engine); !ok || pk.Threshold() != 1500 {
		t.Errorf("peak engine = %#v", p)
	}

	if _, err := reg.Create("energy", nil); err != nil {
		t.Errorf("Create energy with defaults: %v", err)
	}
}

func TestBuiltinRegistry_BadOptions(t *testing.T) {
	t.Parallel()

	reg := config.NewBuiltinRegistry()
	tests := []struct {
		name string
		opts map[string]any
	}{
		{"energy", map[string]any{"energy_threshold": "loud"}},
		{"energy", map[string]any{"energy_threshold": -1}},
		{"peak", map[string]any{"peak_threshold": 12.5}},
		{"peak", map[string]any{"peak_threshold": 40000}},
	}
	for _, tt := range tests {
		if _, err := reg.Create(tt.name, tt.opts); err == nil {
			t.Errorf("Create(%q, %v): expected error", tt.name, tt.opts)
		}
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	_, err := config.NewRegistry().Create("silero", nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_RegisterOverrides(t *testing.T) {
	t.Parallel()

	reg := config.NewBuiltinRegistry()
	want := &mock.Engine{BackendName: "energy"}
	reg.Register("energy", func(map[string]any) (vad.Engine, error) { return want, nil })

	got, err := reg.Create("energy", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != want {
		t.Errorf("Create returned %#v, want the overriding factory's engine", got)
	}
}
