package segment

import "fmt"

// EventType names an engine event. The values double as the wire "type".
type EventType string

const (
	EventSegmentStart   EventType = "segment_start"
	EventSegmentEnd     EventType = "segment_end"
	EventSegmentDiscard EventType = "segment_discard"
	EventWarn           EventType = "warn"
)

// Event is one entry of the ordered output of PushFrame or Flush.
type Event struct {
	Type EventType

	// TsMs is the session clock in milliseconds. For segment_start it is the
	// back-dated start of the segment; for segment_end and segment_discard it
	// is the moment the segment closed.
	TsMs int64

	// DurMs is set on segment_end only.
	DurMs int64

	// Forced marks a segment_end produced by the maximum segment cap.
	Forced bool

	// Msg is set on warn only.
	Msg string
}

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e.Type {
	case EventSegmentEnd:
		return fmt.Sprintf("%s@%d(%dms)", e.Type, e.TsMs, e.DurMs)
	case EventWarn:
		return fmt.Sprintf("%s@%d(%s)", e.Type, e.TsMs, e.Msg)
	default:
		return fmt.Sprintf("%s@%d", e.Type, e.TsMs)
	}
}

// Segment is a completed, emitted speech segment.
type Segment struct {
	// StartMs is the clock value of the segment's first frame.
	StartMs int64

	// DurationMs equals Frames*FrameMs.
	DurationMs int64

	// Frames is the number of frames in the segment.
	Frames int

	// Audio is the concatenated PCM16 payload of all frames.
	Audio []byte

	// Forced reports that the maximum segment cap closed the segment.
	Forced bool
}

// Result is the output of one PushFrame or Flush call.
type Result struct {
	// Events in emission order.
	Events []Event

	// Audio is the pass-through payload of the call: the frame itself while a
	// segment is open, or the whole confirming window on the call that opens a
	// segment. Nil otherwise. It may alias the pushed frame.
	Audio []byte

	// Segment is set when the call emitted a segment_end.
	Segment *Segment
}

// Empty reports whether the result carries neither events nor audio.
func (r Result) Empty() bool {
	return len(r.Events) == 0 && len(r.Audio) == 0
}
