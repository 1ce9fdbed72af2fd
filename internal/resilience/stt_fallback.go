package resilience

import (
	"context"

	"github.com/feldrow/engram/pkg/provider/stt"
)

// STTFallback implements [stt.Transcriber] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker. A typical
// pairing is local Whisper as primary with Deepgram as a remote fallback.
type STTFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcriber as a fallback.
func (f *STTFallback) AddFallback(name string, transcriber stt.Transcriber) {
	f.group.AddFallback(name, transcriber)
}

// Transcribe runs recognition through the first healthy backend. If the
// primary fails, subsequent fallbacks are tried with the same buffer.
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32) (*stt.Result, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (*stt.Result, error) {
		return t.Transcribe(ctx, samples)
	})
}
