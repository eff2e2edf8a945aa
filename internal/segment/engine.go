// Package segment turns a stream of classified PCM16 frames into bounded
// speech segments.
//
// The [Engine] is a two-phase hysteresis state machine. While idle it waits
// for a run of StartFrames consecutive speech decisions; the segment it then
// opens is back-dated to the first frame of that run. While in a segment,
// silence shorter than or equal to the hangover is absorbed into the segment,
// and the first silence frame past the hangover closes it. Closed segments
// shorter than the minimum are discarded. A segment that reaches the maximum
// length is closed and emitted on the spot.
//
// An Engine is single-writer: exactly one goroutine may call PushFrame and
// Flush. The session registry in internal/session provides the serialisation
// when a stream is shared between call sites.
package segment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxseg/pkg/provider/vad"
)

// Phase is the state of the segmentation state machine.
type Phase int

const (
	// PhaseIdle waits for the start-confirmation window to fill with speech.
	PhaseIdle Phase = iota

	// PhaseInSegment buffers frames of the open segment.
	PhaseInSegment
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInSegment:
		return "in_segment"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of the engine's counters.
type State struct {
	Phase          Phase
	ClockMs        int64
	PendingFrames  int
	BufferedFrames int
	SilenceRun     int
	Flushed        bool
}

// Engine is the per-stream segmentation state machine.
type Engine struct {
	cfg        Config
	fc         FrameConfig
	frameBytes int
	classifier vad.SessionHandle

	phase   Phase
	clockMs int64
	flushed bool

	// Idle: consecutive speech frames seen so far.
	pending      []byte
	pendingN     int
	pendingStart int64

	// InSegment.
	buf        []byte
	bufN       int
	segStart   int64
	silenceRun int
}

// New validates cfg and returns an idle Engine that classifies frames with
// classifier. The engine does not close the classifier.
func New(cfg Config, classifier vad.SessionHandle) (*Engine, error) {
	if classifier == nil {
		return nil, fmt.Errorf("segment: %w: nil classifier", vad.ErrClassifierUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		fc:         cfg.Frames(),
		frameBytes: cfg.FrameBytes(),
		classifier: classifier,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Phase returns the current phase.
func (e *Engine) Phase() Phase { return e.phase }

// ClockMs returns the session clock: the number of accepted frames times
// FrameMs.
func (e *Engine) ClockMs() int64 { return e.clockMs }

// State returns a snapshot of the engine's counters.
func (e *Engine) State() State {
	return State{
		Phase:          e.phase,
		ClockMs:        e.clockMs,
		PendingFrames:  e.pendingN,
		BufferedFrames: e.bufN,
		SilenceRun:     e.silenceRun,
		Flushed:        e.flushed,
	}
}

// PushFrame classifies frame and advances the state machine by one frame.
//
// A frame of the wrong length fails with [ErrInvalidFrameSize] before the
// classifier is called, leaving the engine untouched. A classifier failure is
// treated as silence and reported as a warn event ahead of any segment
// events of the same call.
func (e *Engine) PushFrame(ctx context.Context, frame []byte) (Result, error) {
	if e.flushed {
		return Result{}, ErrFlushed
	}
	if len(frame) != e.frameBytes {
		return Result{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidFrameSize, len(frame), e.frameBytes)
	}

	speech, cerr := e.classify(ctx, frame)

	ts := e.clockMs
	e.clockMs += int64(e.cfg.FrameMs)

	var res Result
	if cerr != nil {
		slog.Debug("segment: classifier failure treated as silence", "ts_ms", ts, "err", cerr)
		res.Events = append(res.Events, Event{Type: EventWarn, TsMs: ts, Msg: cerr.Error()})
	}

	switch e.phase {
	case PhaseIdle:
		if !speech {
			e.resetPending()
			return res, nil
		}
		if e.pendingN == 0 {
			e.pendingStart = ts
		}
		e.pending = append(e.pending, frame...)
		e.pendingN++
		if e.pendingN < e.fc.StartFrames {
			return res, nil
		}
		e.open(&res)

	case PhaseInSegment:
		if !speech {
			if e.silenceRun+1 > e.fc.HangoverFrames {
				e.close(&res, ts, false)
				return res, nil
			}
			e.silenceRun++
		} else {
			e.silenceRun = 0
		}
		e.buf = append(e.buf, frame...)
		e.bufN++
		res.Audio = frame
	}

	if e.bufN >= e.fc.MaxSegmentFrames {
		e.close(&res, e.clockMs, true)
	}
	return res, nil
}

// Flush ends the stream. An open segment is closed as-is: emitted when it
// meets the minimum length, discarded otherwise. Flush with no open segment
// returns no events. Any later PushFrame or Flush returns [ErrFlushed].
func (e *Engine) Flush() (Result, error) {
	if e.flushed {
		return Result{}, ErrFlushed
	}
	e.flushed = true

	var res Result
	if e.phase == PhaseInSegment {
		e.close(&res, e.clockMs, false)
	}
	e.resetPending()
	return res, nil
}

// classify obtains the speech decision for frame. Every way the classifier can
// fail, including a panic, yields silence and a non-nil error.
func (e *Engine) classify(ctx context.Context, frame []byte) (speech bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			speech = false
			err = fmt.Errorf("%w: classifier panic: %v", vad.ErrClassifierUnavailable, r)
		}
	}()

	d := e.classifier.Classify(ctx, frame)
	if ctxErr := ctx.Err(); ctxErr != nil && d.Kind != vad.KindFailed {
		d = vad.Failed(ctxErr)
	}
	return d.IsSpeech(e.cfg.ScoreThreshold)
}

func (e *Engine) open(res *Result) {
	e.phase = PhaseInSegment
	e.buf, e.bufN, e.segStart = e.pending, e.pendingN, e.pendingStart
	e.silenceRun = 0
	e.pending, e.pendingN = nil, 0

	res.Events = append(res.Events, Event{Type: EventSegmentStart, TsMs: e.segStart})
	res.Audio = e.buf[:len(e.buf):len(e.buf)]
	slog.Debug("segment: opened", "start_ms", e.segStart)
}

// close ends the open segment at clock value ts. The frame at ts, if any, is
// not part of the segment.
func (e *Engine) close(res *Result, ts int64, forced bool) {
	frames := e.bufN
	audio := e.buf
	start := e.segStart

	e.phase = PhaseIdle
	e.buf, e.bufN, e.silenceRun = nil, 0, 0
	e.resetPending()

	if frames < e.fc.MinSegmentFrames {
		res.Events = append(res.Events, Event{Type: EventSegmentDiscard, TsMs: ts})
		slog.Debug("segment: discarded", "start_ms", start, "frames", frames)
		return
	}

	dur := int64(frames) * int64(e.cfg.FrameMs)
	res.Events = append(res.Events, Event{Type: EventSegmentEnd, TsMs: ts, DurMs: dur, Forced: forced})
	res.Segment = &Segment{
		StartMs:    start,
		DurationMs: dur,
		Frames:     frames,
		Audio:      audio,
		Forced:     forced,
	}
	slog.Debug("segment: emitted", "start_ms", start, "dur_ms", dur, "forced", forced)
}

func (e *Engine) resetPending() {
	e.pending = e.pending[:0]
	e.pendingN = 0
}
