package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxseg/internal/config"
	"github.com/MrWong99/voxseg/internal/observe"
	"github.com/MrWong99/voxseg/internal/resilience"
	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// BuildClassifier creates the classifier engine described by cc. When a
// fallback backend is configured, both engines are wrapped in a
// [resilience.VADFallback] whose breaker transitions are logged and counted
// in m (which may be nil).
func BuildClassifier(cc config.ClassifierConfig, reg *config.Registry, m *observe.Metrics) (vad.Engine, error) {
	primary, err := reg.Create(cc.Name, cc.Options)
	if err != nil {
		return nil, err
	}
	if cc.Fallback == "" {
		return primary, nil
	}

	secondary, err := reg.Create(cc.Fallback, cc.Options)
	if err != nil {
		return nil, fmt.Errorf("app: fallback classifier: %w", err)
	}

	fb := resilience.NewVADFallback(primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cc.Breaker.MaxFailures,
			ResetTimeout: cc.Breaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("app: classifier breaker state changed",
					"backend", name, "from", from.String(), "to", to.String())
				if m != nil {
					m.RecordBreakerTransition(context.Background(), name, to.String())
				}
			},
		},
	})
	fb.AddFallback(secondary)
	return fb, nil
}
