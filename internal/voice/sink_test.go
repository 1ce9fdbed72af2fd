package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/transcript"
	"github.com/feldrow/engram/pkg/audio"
	"github.com/feldrow/engram/pkg/provider/stt"
	sttmock "github.com/feldrow/engram/pkg/provider/stt/mock"
	"github.com/feldrow/engram/pkg/provider/vad"
	vadmock "github.com/feldrow/engram/pkg/provider/vad/mock"
	"github.com/feldrow/engram/pkg/store"
	storemock "github.com/feldrow/engram/pkg/store/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// monoFrame returns a 16 kHz mono frame of n silent samples, which passes
// through downmix and resample unchanged.
func monoFrame(n int) audio.Frame {
	return audio.Frame{
		Data:       make([]byte, n*2),
		SampleRate: 16000,
		Channels:   1,
	}
}

// segmentAt builds the VAD schedule for a single utterance: the segment opens
// on window 0 and closes on window closeCall with the given bounds.
func segmentAt(closeCall int, start, end time.Duration) [][]vad.Segment {
	schedule := make([][]vad.Segment, closeCall+1)
	schedule[0] = []vad.Segment{{Start: start}}
	schedule[closeCall] = []vad.Segment{{Start: start, End: end}}
	return schedule
}

func newTestSink(t *testing.T, vadSession *vadmock.Session, transcriber Transcriber, opts func(*SinkConfig)) (*Sink, *storemock.VoiceStore) {
	t.Helper()
	voiceStore := &storemock.VoiceStore{}
	cfg := SinkConfig{
		SessionID:         "sess-1",
		VAD:               &vadmock.Engine{Session: vadSession},
		Transcriber:       transcriber,
		Store:             voiceStore,
		SilenceDurationMs: 1000,
		Metrics:           testMetrics(t),
		Logger:            quietLogger(),
	}
	if opts != nil {
		opts(&cfg)
	}
	s, err := NewSink(cfg)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	return s, voiceStore
}

func TestSink_TranscribesSegment(t *testing.T) {
	t.Parallel()

	// 10 windows of 512 samples; speech spans all of them (320 ms).
	vadSession := &vadmock.Session{Segments: segmentAt(9, 0, 320*time.Millisecond)}
	transcriber := &sttmock.Transcriber{Result: &stt.Result{
		Segments: []stt.Segment{{Text: "hello there", End: 320 * time.Millisecond, NoSpeechProb: 0.2}},
	}}
	s, voiceStore := newTestSink(t, vadSession, transcriber, nil)

	for range 10 {
		s.Push(monoFrame(512))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var rows []store.Transcription
	for _, c := range voiceStore.Calls() {
		if c.Method == "AppendTranscription" {
			rows = append(rows, c.Args[0].(store.Transcription))
		}
	}
	if len(rows) != 1 {
		t.Fatalf("transcription rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.SessionID != "sess-1" || row.ChunkIndex != 0 {
		t.Errorf("row keys = %s/%d", row.SessionID, row.ChunkIndex)
	}
	if row.Text != "hello there" {
		t.Errorf("text = %q", row.Text)
	}
	if row.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", row.Confidence)
	}
	if row.DurationSec != 0.32 {
		t.Errorf("duration = %v, want 0.32", row.DurationSec)
	}
	if len(transcriber.Calls) != 1 || transcriber.Calls[0] != 5120 {
		t.Errorf("transcribe calls = %v, want one 5120-sample buffer", transcriber.Calls)
	}
}

func TestSink_CorrectsProperNouns(t *testing.T) {
	t.Parallel()

	vadSession := &vadmock.Session{Segments: segmentAt(9, 0, 320*time.Millisecond)}
	transcriber := &sttmock.Transcriber{Result: &stt.Result{
		Segments: []stt.Segment{{Text: "ask feldro about it", End: 320 * time.Millisecond}},
	}}
	s, voiceStore := newTestSink(t, vadSession, transcriber, func(cfg *SinkConfig) {
		cfg.Corrector = transcript.New()
		cfg.Vocabulary = transcript.NewVocabulary([]string{"Feldrow"})
	})

	for range 10 {
		s.Push(monoFrame(512))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := voiceStore.Calls()
	if len(calls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(calls))
	}
	row := calls[0].Args[0].(store.Transcription)
	if row.Text != "ask Feldrow about it" {
		t.Errorf("text = %q, want corrected spelling", row.Text)
	}
}

func TestSink_DiscardsShortSegment(t *testing.T) {
	t.Parallel()

	// 200 ms of speech is below the discard floor.
	vadSession := &vadmock.Session{Segments: segmentAt(9, 0, 200*time.Millisecond)}
	transcriber := &sttmock.Transcriber{}
	s, voiceStore := newTestSink(t, vadSession, transcriber, nil)

	for range 10 {
		s.Push(monoFrame(512))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(transcriber.Calls) != 0 {
		t.Errorf("transcribe calls = %d, want 0", len(transcriber.Calls))
	}
	if got := voiceStore.CallCount("AppendTranscription"); got != 0 {
		t.Errorf("AppendTranscription calls = %d, want 0", got)
	}
}

func TestSink_STTFailureIsPerSegment(t *testing.T) {
	t.Parallel()

	// Two utterances; the first transcription fails, the second succeeds and
	// still takes chunk index 0 so the prefix stays gapless.
	schedule := make([][]vad.Segment, 20)
	schedule[0] = []vad.Segment{{Start: 0}}
	schedule[9] = []vad.Segment{{Start: 0, End: 320 * time.Millisecond}}
	schedule[10] = []vad.Segment{{Start: 320 * time.Millisecond}}
	schedule[19] = []vad.Segment{{Start: 320 * time.Millisecond, End: 640 * time.Millisecond}}
	vadSession := &vadmock.Session{Segments: schedule}

	var call int
	transcriber := &sttmock.Transcriber{
		TranscribeFunc: func(_ context.Context, _ []float32) (*stt.Result, error) {
			call++
			if call == 1 {
				return nil, errors.New("whisper crashed")
			}
			return &stt.Result{Segments: []stt.Segment{{Text: "second try", End: 240 * time.Millisecond}}}, nil
		},
	}
	s, voiceStore := newTestSink(t, vadSession, transcriber, nil)

	for range 20 {
		s.Push(monoFrame(512))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := voiceStore.Calls()
	if len(calls) != 1 {
		t.Fatalf("store calls = %d, want 1", len(calls))
	}
	row := calls[0].Args[0].(store.Transcription)
	if row.ChunkIndex != 0 || row.Text != "second try" {
		t.Errorf("row = %+v, want chunk 0 from the second utterance", row)
	}
}

func TestSink_EmptyTranscriptSkipped(t *testing.T) {
	t.Parallel()

	vadSession := &vadmock.Session{Segments: segmentAt(9, 0, 320*time.Millisecond)}
	transcriber := &sttmock.Transcriber{} // empty result
	s, voiceStore := newTestSink(t, vadSession, transcriber, nil)

	for range 10 {
		s.Push(monoFrame(512))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := voiceStore.CallCount("AppendTranscription"); got != 0 {
		t.Errorf("AppendTranscription calls = %d, want 0", got)
	}
}

func TestSink_CloseIdempotent(t *testing.T) {
	t.Parallel()

	vadSession := &vadmock.Session{}
	s, _ := newTestSink(t, vadSession, &sttmock.Transcriber{}, nil)

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if vadSession.CloseCount != 1 {
		t.Errorf("vad Close calls = %d, want 1", vadSession.CloseCount)
	}

	// Pushing after Close drops silently.
	s.Push(monoFrame(512))
}

func TestSink_BuffersPartialWindows(t *testing.T) {
	t.Parallel()

	vadSession := &vadmock.Session{}
	s, _ := newTestSink(t, vadSession, &sttmock.Transcriber{}, nil)

	// 300-sample frames never align to the 512-sample window; the remainder
	// must carry over instead of reaching the VAD short.
	for range 4 {
		s.Push(monoFrame(300))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var total int
	for _, n := range vadSession.ProcessCalls {
		if n%512 != 0 {
			t.Errorf("Process got %d samples, not a window multiple", n)
		}
		total += n
	}
	if total != 1024 {
		t.Errorf("windows processed = %d samples, want 1024 of 1200", total)
	}
}
