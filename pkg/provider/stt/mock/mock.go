// Package mock provides a test double for the stt.Transcriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/feldrow/engram/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// TranscribeFunc, if set, is called by Transcribe instead of returning
	// the static fields.
	TranscribeFunc func(ctx context.Context, samples []float32) (*stt.Result, error)

	// Result is returned by Transcribe when TranscribeFunc is nil. A nil
	// Result yields an empty (non-nil) one.
	Result *stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records the sample-count of every Transcribe invocation in order.
	Calls []int
}

// Transcribe records the call and returns the scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32) (*stt.Result, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, len(samples))
	fn := t.TranscribeFunc
	res, err := t.Result, t.Err
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, samples)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &stt.Result{}, nil
	}
	return res, nil
}

// Reset clears all recorded calls.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}
