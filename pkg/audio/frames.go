package audio

import "time"

// FrameBytes returns the byte length of a mono PCM16 frame of frameMs
// milliseconds at sampleRate, using floor division for the sample count.
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * 2
}

// SplitFrames cuts mono PCM16 audio into consecutive frames of frameMs
// milliseconds. A trailing partial frame is dropped. The returned frames
// alias pcm.
func SplitFrames(pcm []byte, sampleRate, frameMs int) []AudioFrame {
	size := FrameBytes(sampleRate, frameMs)
	if size <= 0 {
		return nil
	}
	n := len(pcm) / size
	frames := make([]AudioFrame, n)
	for i := range n {
		frames[i] = AudioFrame{
			Data:       pcm[i*size : (i+1)*size : (i+1)*size],
			SampleRate: sampleRate,
			Timestamp:  time.Duration(i*frameMs) * time.Millisecond,
		}
	}
	return frames
}
