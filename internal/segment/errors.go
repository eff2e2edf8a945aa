package segment

import "errors"

var (
	// ErrInvalidFrameSize is returned by PushFrame when a frame's byte length
	// differs from Config.FrameBytes. The engine state is left untouched.
	ErrInvalidFrameSize = errors.New("segment: invalid frame size")

	// ErrInvalidConfiguration is returned by New and Config.Validate when the
	// parameters cannot drive the state machine.
	ErrInvalidConfiguration = errors.New("segment: invalid configuration")

	// ErrFlushed is returned by PushFrame and Flush once the engine has been
	// flushed.
	ErrFlushed = errors.New("segment: engine already flushed")
)
