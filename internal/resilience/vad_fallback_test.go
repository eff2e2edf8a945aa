package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
	"github.com/MrWong99/voxseg/pkg/provider/vad/mock"
)

var testVADConfig = vad.Config{SampleRate: 16000, FrameSizeMs: 10, SpeechThreshold: 0.5}

func failing(n int) *mock.Session {
	d := make([]vad.Decision, n)
	for i := range d {
		d[i] = vad.Failed(errTest)
	}
	return &mock.Session{Decisions: d}
}

func TestVADFallback_Name(t *testing.T) {
	t.Parallel()

	f := NewVADFallback(&mock.Engine{BackendName: "energy"}, FallbackConfig{})
	f.AddFallback(&mock.Engine{BackendName: "peak"})
	if got := f.Name(); got != "energy>peak" {
		t.Errorf("Name = %q, want energy>peak", got)
	}
}

func TestVADFallback_ClassifyFailsOver(t *testing.T) {
	t.Parallel()

	primary := &mock.Session{Decisions: []vad.Decision{vad.Flag(true), vad.Failed(errTest), vad.Score(2)}}
	secondary := mock.NewScript(false, true, true)
	f := NewVADFallback(&mock.Engine{BackendName: "a", Session: primary}, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 10},
	})
	f.AddFallback(&mock.Engine{BackendName: "b", Session: secondary})

	s, err := f.NewSession(testVADConfig)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	frame := make([]byte, 320)

	if d := s.Classify(ctx, frame); d.Kind != vad.KindSpeechFlag || !d.Speech {
		t.Errorf("frame 0 = %+v, want primary's speech flag", d)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
	// A failed decision and an out-of-range score both fall over.
	for i := 1; i <= 2; i++ {
		d := s.Classify(ctx, frame)
		if d.Kind != vad.KindSpeechFlag {
			t.Errorf("frame %d = %+v, want secondary's flag", i, d)
		}
	}
	if secondary.CallCount() != 2 {
		t.Errorf("secondary called %d times, want 2", secondary.CallCount())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if primary.Closes() != 1 || secondary.Closes() != 1 {
		t.Errorf("closes = %d/%d, want 1/1", primary.Closes(), secondary.Closes())
	}
}

func TestVADFallback_AllFailIsFailedDecision(t *testing.T) {
	t.Parallel()

	f := NewVADFallback(&mock.Engine{BackendName: "a", Session: failing(1)}, FallbackConfig{})
	f.AddFallback(&mock.Engine{BackendName: "b", Session: failing(1)})
	s, _ := f.NewSession(testVADConfig)

	d := s.Classify(context.Background(), make([]byte, 320))
	if d.Kind != vad.KindFailed || !errors.Is(d.Err, ErrAllFailed) {
		t.Errorf("decision = %+v, want failed wrapping ErrAllFailed", d)
	}
}

func TestVADFallback_BreakerSharedAcrossSessions(t *testing.T) {
	t.Parallel()

	var primaries []*mock.Session
	primary := &mock.Engine{BackendName: "a", NewSessionFunc: func(vad.Config) vad.SessionHandle {
		s := failing(100)
		primaries = append(primaries, s)
		return s
	}}
	f := NewVADFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	f.AddFallback(&mock.Engine{BackendName: "b"})

	first, _ := f.NewSession(testVADConfig)
	for range 2 {
		first.Classify(context.Background(), make([]byte, 320))
	}
	if f.Breaker("a").State() != StateOpen {
		t.Fatal("primary breaker should be open")
	}

	second, _ := f.NewSession(testVADConfig)
	second.Classify(context.Background(), make([]byte, 320))
	if n := primaries[1].CallCount(); n != 0 {
		t.Errorf("new session called the tripped backend %d times, want 0", n)
	}
}

func TestVADFallback_NewSession(t *testing.T) {
	t.Parallel()

	t.Run("partial", func(t *testing.T) {
		t.Parallel()
		f := NewVADFallback(&mock.Engine{BackendName: "a", NewSessionErr: errTest}, FallbackConfig{})
		f.AddFallback(&mock.Engine{BackendName: "b"})
		if _, err := f.NewSession(testVADConfig); err != nil {
			t.Errorf("NewSession: %v", err)
		}
	})

	t.Run("none", func(t *testing.T) {
		t.Parallel()
		f := NewVADFallback(&mock.Engine{BackendName: "a", NewSessionErr: errTest}, FallbackConfig{})
		f.AddFallback(&mock.Engine{BackendName: "b", NewSessionErr: errTest})
		if _, err := f.NewSession(testVADConfig); !errors.Is(err, vad.ErrClassifierUnavailable) {
			t.Errorf("err = %v, want ErrClassifierUnavailable", err)
		}
	})
}
