// Package silero provides a VAD engine backed by the Silero VAD ONNX model
// via github.com/streamer45/silero-vad-go. The ONNX Runtime shared library
// must be available at load time.
package silero

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/feldrow/engram/pkg/provider/vad"
)

const (
	// windowSize is the number of samples Silero consumes per decision at
	// 16 kHz. The model accepts no other window length.
	windowSize = 512

	defaultSampleRate           = 16000
	defaultThreshold            = 0.5
	defaultMinSilenceDurationMs = 1000
	defaultSpeechPadMs          = 30
)

// Compile-time assertions.
var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*session)(nil)
)

// Engine implements vad.Engine using the Silero VAD model. The model file is
// loaded per session; the engine only carries the path and defaults.
type Engine struct {
	modelPath string
}

// New creates a Silero Engine reading the ONNX model from modelPath.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: modelPath must not be empty")
	}
	return &Engine{modelPath: modelPath}, nil
}

// WindowSize implements vad.Engine.
func (e *Engine) WindowSize() int {
	return windowSize
}

// NewSession implements vad.Engine. Zero config fields fall back to the
// Silero defaults (16 kHz, threshold 0.5, 1000 ms silence, 30 ms pad).
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MinSilenceDurationMs == 0 {
		cfg.MinSilenceDurationMs = defaultMinSilenceDurationMs
	}
	if cfg.SpeechPadMs == 0 {
		cfg.SpeechPadMs = defaultSpeechPadMs
	}

	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}

	return &session{detector: detector}, nil
}

// session wraps one speech.Detector. The detector keeps stream state across
// Detect calls, so segment positions are absolute within the stream.
type session struct {
	mu       sync.Mutex
	detector *speech.Detector
	closed   bool
}

// Process implements vad.Session.
func (s *session) Process(samples []float32) ([]vad.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("silero: session is closed")
	}
	if len(samples) == 0 || len(samples)%windowSize != 0 {
		return nil, fmt.Errorf("silero: sample count %d is not a positive multiple of %d", len(samples), windowSize)
	}

	raw, err := s.detector.Detect(samples)
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}

	out := make([]vad.Segment, 0, len(raw))
	for _, seg := range raw {
		out = append(out, vad.Segment{
			Start: time.Duration(seg.SpeechStartAt * float64(time.Second)),
			End:   time.Duration(seg.SpeechEndAt * float64(time.Second)),
		})
	}
	return out, nil
}

// Reset implements vad.Session.
func (s *session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("silero: session is closed")
	}
	if err := s.detector.Reset(); err != nil {
		return fmt.Errorf("silero: reset: %w", err)
	}
	return nil
}

// Close implements vad.Session.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.detector.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy: %w", err)
	}
	return nil
}
