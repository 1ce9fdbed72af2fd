// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a window-level speech detector (e.g., Silero VAD) and
// surfaces it as a stateful per-stream session. Each session maintains its own
// internal state so that multiple concurrent audio streams can be processed
// independently.
//
// Detection is synchronous by design: Process returns immediately with any
// segment boundaries found, making it suitable for the audio sink's
// low-latency loop that gates STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// samples passed to Process. Silero supports 8000 and 16000.
	SampleRate int

	// Threshold is the speech probability above which a window is classified
	// as speech. Range [0.0, 1.0]; typical 0.5.
	Threshold float32

	// MinSilenceDurationMs is how much trailing silence closes an open speech
	// segment.
	MinSilenceDurationMs int

	// SpeechPadMs pads detected segments at both ends to avoid clipping
	// plosives.
	SpeechPadMs int
}

// Segment is a detected span of speech within the session's stream.
// Positions are relative to the start of the stream.
type Segment struct {
	// Start is where speech began.
	Start time.Duration

	// End is where speech ended. Zero while the segment is still open (the
	// speaker has not yet been silent for MinSilenceDurationMs).
	End time.Duration
}

// Session represents an active VAD session for a single audio stream.
//
// The caller feeds samples in multiples of the engine's WindowSize; shorter
// remainders must be buffered by the caller and carried into the next call,
// so no detection decision is made on a partial window.
type Session interface {
	// Process analyses the given 16-bit-derived float32 mono samples and
	// returns any segment boundaries crossed. len(samples) must be a positive
	// multiple of the engine's WindowSize.
	Process(samples []float32) ([]Segment, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset() error

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration,
	// immediately ready to accept samples.
	NewSession(cfg Config) (Session, error)

	// WindowSize returns the number of samples per detection window at the
	// supported sample rate (512 for Silero at 16 kHz).
	WindowSize() int
}
