package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Playout errors.
var (
	// ErrInvalidPlayoutConfig indicates a playout or scheduler configuration
	// with unusable values.
	ErrInvalidPlayoutConfig = errors.New("invalid playout configuration")

	// ErrNilDecoder indicates a playout was created without a decoder.
	ErrNilDecoder = errors.New("decoder cannot be nil")

	// ErrNilSink indicates a scheduler was created without an output sink.
	ErrNilSink = errors.New("audio sink cannot be nil")
)

// Scheduler state errors.
var (
	// ErrSchedulerAlreadyRunning indicates Run was called twice.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
)
