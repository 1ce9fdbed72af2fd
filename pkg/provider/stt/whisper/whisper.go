// Package whisper provides a batch transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across all concurrent
// calls; each Transcribe creates its own whisper.cpp context, which is the
// binding's unit of thread confinement.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/feldrow/engram/pkg/provider/stt"
)

// SampleRate is the sample rate whisper.cpp expects, in Hz.
const SampleRate = 16000

const defaultLanguage = "en"

// Compile-time assertion that Transcriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the whisper.cpp Go bindings.
type Transcriber struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the language code for transcription (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// WithThreads sets the number of CPU threads whisper.cpp uses per inference.
// Zero (the default) leaves the binding's own default in place.
func WithThreads(n uint) Option {
	return func(t *Transcriber) { t.threads = n }
}

// New creates a Transcriber that loads the whisper.cpp model from the given
// file path. The caller must call Close when the transcriber is no longer
// needed.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	t := &Transcriber{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe implements stt.Transcriber. samples must be 16 kHz mono float32
// PCM in [-1.0, 1.0].
//
// A fresh whisper.cpp context is created per call; contexts are not
// thread-safe but the shared model is.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32) (*stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	if len(samples) == 0 {
		return &stt.Result{}, nil
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(t.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", t.language, "error", err)
	}
	if t.threads > 0 {
		wctx.SetThreads(t.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	result := &stt.Result{}
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, stt.Segment{
			Text:         text,
			Start:        segment.Start,
			End:          segment.End,
			NoSpeechProb: noSpeechProb(segment),
		})
	}

	return result, nil
}

// noSpeechProb approximates a per-segment no-speech probability from token
// probabilities: 1 − mean(token.P). whisper.cpp does not expose the
// per-segment value directly.
func noSpeechProb(segment whisperlib.Segment) float64 {
	if len(segment.Tokens) == 0 {
		return 0
	}
	var sum float64
	for _, tok := range segment.Tokens {
		sum += float64(tok.P)
	}
	mean := sum / float64(len(segment.Tokens))
	if mean < 0 {
		mean = 0
	}
	if mean > 1 {
		mean = 1
	}
	return 1 - mean
}
