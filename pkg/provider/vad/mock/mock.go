// Package mock provides test doubles for the vad.Engine and vad.Session
// interfaces.
package mock

import (
	"sync"

	"github.com/feldrow/engram/pkg/provider/vad"
)

// Compile-time assertions.
var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*Session)(nil)
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	// NewSessionFunc, if set, is called by NewSession.
	NewSessionFunc func(cfg vad.Config) (vad.Session, error)

	// Session is returned by NewSession when NewSessionFunc is nil. When both
	// are nil, a fresh empty Session is returned.
	Session *Session

	// WindowSizeValue is returned by WindowSize; defaults to 512 when zero.
	WindowSizeValue int
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if e.NewSessionFunc != nil {
		return e.NewSessionFunc(cfg)
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// WindowSize implements vad.Engine.
func (e *Engine) WindowSize() int {
	if e.WindowSizeValue == 0 {
		return 512
	}
	return e.WindowSizeValue
}

// Session is a scriptable mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// ProcessFunc, if set, is called by Process instead of popping Segments.
	ProcessFunc func(samples []float32) ([]vad.Segment, error)

	// Segments is a queue of per-call results: call i returns Segments[i].
	// Calls past the end return nil segments.
	Segments [][]vad.Segment

	// ProcessErr, if non-nil, is returned by every Process call.
	ProcessErr error

	// ProcessCalls records the sample-count of every Process invocation.
	ProcessCalls []int

	// ResetCount and CloseCount count the respective calls.
	ResetCount int
	CloseCount int
}

// Process implements vad.Session.
func (s *Session) Process(samples []float32) ([]vad.Segment, error) {
	s.mu.Lock()
	call := len(s.ProcessCalls)
	s.ProcessCalls = append(s.ProcessCalls, len(samples))
	fn := s.ProcessFunc
	err := s.ProcessErr
	var segs []vad.Segment
	if call < len(s.Segments) {
		segs = s.Segments[call]
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(samples)
	}
	if err != nil {
		return nil, err
	}
	return segs, nil
}

// Reset implements vad.Session.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCount++
	return nil
}

// Close implements vad.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}
