package audio

import "time"

// Format describes PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Mono16 returns the single-channel 16-bit format at sampleRate, the only
// format the segmenter accepts.
func Mono16(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitDepth: 16}
}

// AudioFrame is one fixed-duration block of mono PCM16 audio.
type AudioFrame struct {
	// Data is little-endian PCM16.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp is the offset of the frame from the start of the stream.
	Timestamp time.Duration
}
