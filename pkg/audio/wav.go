// Package audio handles PCM16 audio at the service boundary: WAV ingestion
// with format validation, WAV encoding of emitted speech, and framing.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned when input audio is not mono 16-bit PCM at
// the required sample rate.
var ErrUnsupportedFormat = errors.New("audio: unsupported audio format")

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// DecodeWAV reads a WAV file and returns its samples as little-endian PCM16.
// The file must match want exactly; anything else fails with
// [ErrUnsupportedFormat] before any sample is returned.
func DecodeWAV(r io.ReadSeeker, want Format) ([]byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid WAV file", ErrUnsupportedFormat)
	}

	got := Format{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
	}
	var problems []error
	if d.WavAudioFormat != wavFormatPCM {
		problems = append(problems, fmt.Errorf("encoding %d is not integer PCM", d.WavAudioFormat))
	}
	if got.Channels != want.Channels {
		problems = append(problems, fmt.Errorf("%d channels, want %d", got.Channels, want.Channels))
	}
	if got.BitDepth != want.BitDepth {
		problems = append(problems, fmt.Errorf("%d-bit samples, want %d-bit", got.BitDepth, want.BitDepth))
	}
	if got.SampleRate != want.SampleRate {
		problems = append(problems, fmt.Errorf("%d Hz, want %d Hz", got.SampleRate, want.SampleRate))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, errors.Join(problems...))
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: read WAV samples: %w", err)
	}
	return intsToPCM16(buf.Data), nil
}

// EncodeWAV writes mono PCM16 audio as a WAV file to w.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio: odd PCM16 byte count %d", len(pcm))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           pcm16ToInts(pcm),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalise WAV: %w", err)
	}
	return nil
}

func intsToPCM16(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(math.MinInt16, min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

func pcm16ToInts(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// WriteSeeker is an in-memory io.WriteSeeker, used to build WAV files whose
// header is patched after the samples are written.
type WriteSeeker struct {
	buf []byte
	pos int
}

// Write implements io.Writer.
func (ws *WriteSeeker) Write(p []byte) (int, error) {
	if end := ws.pos + len(p); end > len(ws.buf) {
		ws.buf = append(ws.buf, make([]byte, end-len(ws.buf))...)
	}
	n := copy(ws.buf[ws.pos:], p)
	ws.pos += n
	return n, nil
}

// Seek implements io.Seeker.
func (ws *WriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(ws.pos)
	case io.SeekEnd:
		base = int64(len(ws.buf))
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	ws.pos = int(next)
	return next, nil
}

// Bytes returns everything written so far.
func (ws *WriteSeeker) Bytes() []byte { return ws.buf }
