package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/transcript"
	"github.com/feldrow/engram/pkg/audio"
	"github.com/feldrow/engram/pkg/provider/stt"
	"github.com/feldrow/engram/pkg/provider/vad"
	"github.com/feldrow/engram/pkg/store"
)

const (
	// sinkQueueSize bounds the packet queue. Overflowing frames are dropped
	// newest-first, counted, and logged.
	sinkQueueSize = 256

	// sinkSampleRate is the rate the VAD and STT consume. Discord frames
	// arrive at 48 kHz stereo and are downmixed and resampled on intake.
	sinkSampleRate = 16000

	// vadThreshold is the speech probability above which a window counts as
	// speech.
	vadThreshold = 0.5

	// speechPadMs pads detected segments so plosives are not clipped.
	speechPadMs = 30

	// minSegment discards transcription candidates shorter than this; they
	// are almost always breath noise or key clicks.
	minSegment = 300 * time.Millisecond

	// idleRetain is how much trailing audio the capture buffer keeps while
	// no speech segment is open, so a segment's padded start is still
	// available when it opens.
	idleRetain = sinkSampleRate / 2 // 500 ms

	// drainWait bounds how long Close waits for queued audio to finish
	// processing before abandoning it.
	drainWait = 5 * time.Second
)

// Transcriber is the slice of the model gateway the sink needs.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (*stt.Result, error)
}

// SinkConfig wires one participant's audio stream to transcription rows.
type SinkConfig struct {
	// SessionID keys the transcription rows.
	SessionID string

	// VAD provides the speech detector; a fresh detection session is created
	// per sink.
	VAD vad.Engine

	// Transcriber turns flushed speech segments into text.
	Transcriber Transcriber

	// Store receives one Transcription row per flushed segment.
	Store store.VoiceStore

	// Corrector and Vocabulary optionally fix garbled proper nouns using the
	// guild's member and channel names. Both may be nil.
	Corrector  *transcript.Corrector
	Vocabulary *transcript.Vocabulary

	// SilenceDurationMs is the trailing silence that closes a speech segment.
	SilenceDurationMs int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Sink consumes one participant's PCM frames: it downmixes and resamples them
// to 16 kHz mono, gates them through VAD, and transcribes each closed speech
// segment into the next Transcription row of its session.
//
// Frames enter through [Sink.Push], which never blocks; a single internal
// goroutine does all processing. Close stops intake, drains what is queued
// subject to a bounded wait, then releases the VAD session.
type Sink struct {
	sessionID   string
	vadSession  vad.Session
	windowSize  int
	transcriber Transcriber
	store       store.VoiceStore
	corrector   *transcript.Corrector
	vocab       *transcript.Vocabulary
	metrics     *observe.Metrics
	log         *slog.Logger

	frames chan audio.Frame
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	dropped int64

	// Processing-goroutine state; no lock needed.
	pending    []float32 // samples not yet a full VAD window
	capture    []float32 // rolling capture buffer for segment extraction
	captureOff int64     // absolute sample index of capture[0]
	processed  int64     // absolute samples fed to the VAD
	open       bool      // a speech segment is currently open
	chunkIndex int
}

// NewSink creates a sink and starts its processing goroutine.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.VAD == nil || cfg.Transcriber == nil || cfg.Store == nil {
		return nil, fmt.Errorf("voice: sink requires VAD, transcriber, and store")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	session, err := cfg.VAD.NewSession(vad.Config{
		SampleRate:           sinkSampleRate,
		Threshold:            vadThreshold,
		MinSilenceDurationMs: cfg.SilenceDurationMs,
		SpeechPadMs:          speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("voice: create vad session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		sessionID:   cfg.SessionID,
		vadSession:  session,
		windowSize:  cfg.VAD.WindowSize(),
		transcriber: cfg.Transcriber,
		store:       cfg.Store,
		corrector:   cfg.Corrector,
		vocab:       cfg.Vocabulary,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.With("session_id", cfg.SessionID),
		frames:      make(chan audio.Frame, sinkQueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	go s.run()
	return s, nil
}

// Push enqueues one captured frame. It never blocks: when the queue is full
// or the sink is closed the frame is dropped and counted.
func (s *Sink) Push(frame audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	default:
		s.dropped++
		if s.dropped%64 == 1 {
			s.log.Warn("audio queue full, dropping frames", "dropped_total", s.dropped)
		}
	}
}

// Dropped returns how many frames overflowed the packet queue.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops intake, waits up to drainWait for queued audio to finish, joins
// the processing goroutine, and releases the VAD session. Safe to call more
// than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(drainWait):
		s.log.Warn("drain deadline reached, abandoning queued audio")
		s.cancel()
		<-s.done
	}
	s.cancel()
	return s.vadSession.Close()
}

// run is the single consumer of the frame queue.
func (s *Sink) run() {
	defer close(s.done)
	for frame := range s.frames {
		if s.ctx.Err() != nil {
			continue // abandoned by Close; discard the backlog
		}
		s.ingest(frame)
	}
}

// ingest normalises one frame to 16 kHz mono float samples and advances the
// VAD by however many full windows are now available.
func (s *Sink) ingest(frame audio.Frame) {
	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	pcm = audio.ResampleMono16(pcm, frame.SampleRate, sinkSampleRate)
	samples := audio.PCMToFloat32(pcm)

	s.pending = append(s.pending, samples...)
	windows := (len(s.pending) / s.windowSize) * s.windowSize
	if windows == 0 {
		return
	}

	batch := s.pending[:windows]
	s.pending = append(s.pending[:0], s.pending[windows:]...)

	s.capture = append(s.capture, batch...)
	s.processed += int64(windows)

	segments, err := s.vadSession.Process(batch)
	if err != nil {
		s.log.Warn("vad failed, skipping windows", "error", err)
		s.trimCapture()
		return
	}

	for _, seg := range segments {
		if seg.End == 0 {
			s.open = true
			continue
		}
		s.open = false
		s.flush(seg)
	}
	s.trimCapture()
}

// trimCapture bounds the capture buffer while no segment is open.
func (s *Sink) trimCapture() {
	if s.open || len(s.capture) <= idleRetain {
		return
	}
	cut := len(s.capture) - idleRetain
	s.captureOff += int64(cut)
	s.capture = append(s.capture[:0], s.capture[cut:]...)
}

// flush extracts one closed segment from the capture buffer, transcribes it,
// and appends a Transcription row. STT failures are per-segment and never
// fatal to the session.
func (s *Sink) flush(seg vad.Segment) {
	if seg.End-seg.Start < minSegment {
		return
	}

	start := int64(seg.Start.Seconds()*sinkSampleRate) - s.captureOff
	end := int64(seg.End.Seconds()*sinkSampleRate) - s.captureOff
	if start < 0 {
		start = 0
	}
	if end > int64(len(s.capture)) {
		end = int64(len(s.capture))
	}
	if end <= start {
		return
	}
	samples := make([]float32, end-start)
	copy(samples, s.capture[start:end])

	began := time.Now()
	result, err := s.transcriber.Transcribe(s.ctx, samples)
	s.metrics.STTDuration.Record(s.ctx, time.Since(began).Seconds())
	if err != nil {
		s.log.Warn("transcription failed, segment dropped",
			"chunk_index", s.chunkIndex, "error", err)
		return
	}

	text := result.Text()
	if text == "" {
		return
	}
	if s.corrector != nil {
		var corrections []transcript.Correction
		text, corrections = s.corrector.Correct(text, s.vocab)
		if len(corrections) > 0 {
			s.log.Debug("transcript corrected", "corrections", len(corrections))
		}
	}

	row := store.Transcription{
		SessionID:   s.sessionID,
		ChunkIndex:  s.chunkIndex,
		Text:        text,
		Confidence:  result.Confidence(),
		DurationSec: (seg.End - seg.Start).Seconds(),
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.AppendTranscription(s.ctx, row); err != nil {
		s.log.Error("store transcription", "chunk_index", s.chunkIndex, "error", err)
		return
	}
	s.chunkIndex++
}
