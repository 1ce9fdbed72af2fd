// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// The audio sink hands a transcriber one voice-activity segment at a time: a
// 16 kHz mono float32 buffer that the VAD has already bounded. Transcription
// is therefore a batch call, not a stream — the segmentation happened upstream.
//
// Implementations must be safe for concurrent use; the voice manager may run
// several sessions at once.
package stt

import (
	"context"
	"strings"
	"time"
)

// Segment is one recognized span of speech within a transcribed buffer.
type Segment struct {
	// Text is the recognized text, whitespace-trimmed.
	Text string

	// Start and End bound the segment within the submitted buffer.
	Start time.Duration
	End   time.Duration

	// NoSpeechProb estimates the probability that the segment contains no
	// speech, in [0,1]. Backends that do not report it leave it zero.
	NoSpeechProb float64
}

// Result is the outcome of transcribing one audio buffer.
type Result struct {
	// Segments holds the recognized spans in order. Empty when the buffer
	// contained no recognizable speech.
	Segments []Segment
}

// Text returns all segment texts joined with single spaces.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Confidence returns the average of 1−NoSpeechProb over all segments, or 0
// when there are none.
func (r *Result) Confidence() float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Segments {
		sum += 1 - s.NoSpeechProb
	}
	return sum / float64(len(r.Segments))
}

// Duration returns the end of the last segment, or 0 when there are none.
func (r *Result) Duration() time.Duration {
	if len(r.Segments) == 0 {
		return 0
	}
	return r.Segments[len(r.Segments)-1].End
}

// Transcriber is the abstraction over any batch STT backend.
//
// samples must be 16 kHz mono float32 PCM normalised to [-1.0, 1.0].
type Transcriber interface {
	// Transcribe runs recognition over the full buffer and returns the
	// ordered segments. An empty (non-nil) Result means the backend found no
	// speech; an error means recognition itself failed.
	Transcribe(ctx context.Context, samples []float32) (*Result, error)
}
