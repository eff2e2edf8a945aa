package vad

import (
	"fmt"
	"math"
)

// DecisionKind enumerates the shapes a classifier decision can take.
type DecisionKind int

const (
	// KindSpeechFlag is a plain boolean speech/non-speech decision.
	KindSpeechFlag DecisionKind = iota

	// KindScore is a continuous speech score in [0, 1].
	KindScore

	// KindFailed means no decision could be produced for the frame.
	KindFailed
)

// String returns the human-readable name of the kind.
func (k DecisionKind) String() string {
	switch k {
	case KindSpeechFlag:
		return "flag"
	case KindScore:
		return "score"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decision is the classifier output for one frame.
type Decision struct {
	// Kind selects which of the fields below is meaningful.
	Kind DecisionKind

	// Speech is the decision when Kind is KindSpeechFlag.
	Speech bool

	// Score is the speech score when Kind is KindScore.
	Score float64

	// Err describes the failure when Kind is KindFailed.
	Err error
}

// Flag returns a boolean decision.
func Flag(speech bool) Decision {
	return Decision{Kind: KindSpeechFlag, Speech: speech}
}

// Score returns a score decision.
func Score(p float64) Decision {
	return Decision{Kind: KindScore, Score: p}
}

// Failed returns the failure variant. A nil err is replaced with
// [ErrClassifierUnavailable].
func Failed(err error) Decision {
	if err == nil {
		err = ErrClassifierUnavailable
	}
	return Decision{Kind: KindFailed, Err: err}
}

// Validate reports whether d can be turned into a speech decision. Failed
// decisions and scores outside [0, 1] (including NaN) are unusable.
func (d Decision) Validate() error {
	switch d.Kind {
	case KindSpeechFlag:
		return nil
	case KindScore:
		if math.IsNaN(d.Score) || d.Score < 0 || d.Score > 1 {
			return fmt.Errorf("%w: score %v outside [0, 1]", ErrClassifierUnavailable, d.Score)
		}
		return nil
	case KindFailed:
		return fmt.Errorf("%w: %w", ErrClassifierUnavailable, d.Err)
	default:
		return fmt.Errorf("%w: unknown decision kind %d", ErrClassifierUnavailable, int(d.Kind))
	}
}

// IsSpeech normalises d to a boolean. Scores at or above threshold are speech.
// An unusable decision returns false together with the reason.
func (d Decision) IsSpeech(threshold float64) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if d.Kind == KindScore {
		return d.Score >= threshold, nil
	}
	return d.Speech, nil
}
