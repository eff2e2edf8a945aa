// Package transport defines the JSON wire messages shared by the stream and
// file entry points, and the framing of binary audio payloads.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxseg/internal/segment"
)

// AudioPrefix marks a binary stream message as voiced PCM16 audio.
var AudioPrefix = [2]byte{0xAA, 0x01}

// ErrBadJSON is returned by [ParseControl] for text messages that are neither
// JSON objects nor the bare FLUSH keyword.
var ErrBadJSON = errors.New("transport: bad json")

// Message types sent by the server in addition to the segment event types.
const (
	TypeReady = "ready"
	TypeError = "error"
	TypePong  = "pong"
	TypeWarn  = string(segment.EventWarn)
)

// Control message types accepted from clients.
const (
	ControlPing  = "ping"
	ControlSet   = "set"
	ControlFlush = "flush"
	ControlEnd   = "end"
)

// Ready is sent once when a stream is accepted.
type Ready struct {
	Type          string `json:"type"`
	StreamID      string `json:"stream_id"`
	SampleRate    int    `json:"sr"`
	FrameMs       int    `json:"frame_ms"`
	BytesPerFrame int    `json:"bytes_per_frame"`
	Backend       string `json:"backend"`
}

// NewReady builds the handshake for a stream segmented with cfg.
func NewReady(streamID, backend string, cfg segment.Config) Ready {
	return Ready{
		Type:          TypeReady,
		StreamID:      streamID,
		SampleRate:    cfg.SampleRate,
		FrameMs:       cfg.FrameMs,
		BytesPerFrame: cfg.FrameBytes(),
		Backend:       backend,
	}
}

// Event is the wire form of a [segment.Event]. segment_start carries the
// backend name; segment_end carries dur_ms and, for capped segments, forced.
type Event struct {
	Type    string `json:"type"`
	TsMs    int64  `json:"ts_ms"`
	DurMs   int64  `json:"dur_ms,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	Backend string `json:"backend,omitempty"`
	Msg     string `json:"msg,omitempty"`
}

// FromEvent converts an engine event to its wire form.
func FromEvent(ev segment.Event, backend string) Event {
	out := Event{
		Type:   string(ev.Type),
		TsMs:   ev.TsMs,
		DurMs:  ev.DurMs,
		Forced: ev.Forced,
		Msg:    ev.Msg,
	}
	if ev.Type == segment.EventSegmentStart {
		out.Backend = backend
	}
	return out
}

// FromEvents converts a batch of engine events in order.
func FromEvents(evs []segment.Event, backend string) []Event {
	out := make([]Event, len(evs))
	for i, ev := range evs {
		out[i] = FromEvent(ev, backend)
	}
	return out
}

// Notice is a server message without timing: error, warn, and pong.
type Notice struct {
	Type string `json:"type"`
	Msg  string `json:"msg,omitempty"`
}

// Error returns an error notice.
func Error(msg string) Notice { return Notice{Type: TypeError, Msg: msg} }

// Warn returns a warning notice.
func Warn(msg string) Notice { return Notice{Type: TypeWarn, Msg: msg} }

// Pong answers a ping.
func Pong() Notice { return Notice{Type: TypePong} }

// FrameSizeError is the error notice for a binary frame of the wrong length.
func FrameSizeError(want, got int) Notice {
	return Error(fmt.Sprintf("frame size must be %d, got %d", want, got))
}

// Control is a decoded client text message. Fields other than Type are kept
// raw so that "set" payloads can be logged.
type Control struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// IsEndOfStream reports whether c asks the server to flush and close.
func (c Control) IsEndOfStream() bool {
	return c.Type == ControlFlush || c.Type == ControlEnd
}

// ParseControl decodes a client text message. The bare keyword FLUSH is
// accepted as a flush request.
func ParseControl(data []byte) (Control, error) {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "FLUSH" {
		return Control{Type: ControlFlush, Raw: trimmed}, nil
	}
	var c Control
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %w", ErrBadJSON, err)
	}
	c.Raw = trimmed
	return c, nil
}

// AudioMessage frames voiced PCM for a binary stream message. With prefix
// set the payload is preceded by [AudioPrefix]; the input is never modified.
func AudioMessage(pcm []byte, prefix bool) []byte {
	if !prefix {
		return pcm
	}
	out := make([]byte, 0, len(AudioPrefix)+len(pcm))
	out = append(out, AudioPrefix[:]...)
	return append(out, pcm...)
}
