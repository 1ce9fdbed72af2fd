// Package voice owns temporary voice channels and their capture sessions.
//
// A session moves through a small state machine: requested → channel_created
// → waiting → active → cleanup → ended. The manager creates a private voice
// channel, connects the bot, and waits for the requesting user; once they
// join, their audio stream feeds a [Sink] that turns speech into
// transcription rows. Every created channel is eventually deleted — failures
// land on a pending-deletion list retried at shutdown.
//
// A voice request's queue slot is handed to the manager by the worker on a
// successful BeginSession and is freed exactly once, on entry to cleanup.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/queue"
	"github.com/feldrow/engram/internal/transcript"
	"github.com/feldrow/engram/pkg/audio"
	"github.com/feldrow/engram/pkg/provider/vad"
	"github.com/feldrow/engram/pkg/store"
)

// DefaultAloneTimeout is how long the bot waits alone in the channel before
// giving up on the user.
const DefaultAloneTimeout = 300 * time.Second

// DefaultSilenceDuration is the trailing silence that closes a speech
// segment.
const DefaultSilenceDuration = 1000 * time.Millisecond

// readyTextFormat announces the created channel to the requesting user.
const readyTextFormat = "🎙 **Voice Ready** — join <#%s> and start talking. The channel closes when you leave."

// State is a session's position in the lifecycle state machine.
type State string

const (
	StateRequested      State = "requested"
	StateChannelCreated State = "channel_created"
	StateWaiting        State = "waiting"
	StateActive         State = "active"
	StateCleanup        State = "cleanup"
	StateEnded          State = "ended"
)

// ChannelAPI creates and deletes the temporary voice channels on a guild.
type ChannelAPI interface {
	CreateVoiceChannel(guildID, name string) (channelID string, err error)
	DeleteChannel(channelID string) error
}

// Connector joins a guild's voice channel and returns the capture
// connection. It is the multi-guild face of [audio.Platform].
type Connector interface {
	Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error)
}

// SlotQueue is the slice of the request queue the manager needs to free a
// handed-off voice slot.
type SlotQueue interface {
	Complete(req *queue.Request, success bool)
}

// Responder delivers the channel-ready announcement to the requesting user.
type Responder interface {
	SendResponse(req *queue.Request, text string)
}

// VocabularySource supplies per-guild proper-noun vocabulary for the
// transcript corrector.
type VocabularySource interface {
	GuildVocabulary(guildID string) *transcript.Vocabulary
}

// session is one live voice session. All fields are guarded by the manager
// mutex except the sink, whose own methods are concurrency-safe.
type session struct {
	id        string
	req       *queue.Request
	userID    string
	guildID   string
	channelID string
	state     State
	conn      audio.Connection
	sink      *Sink
	alone     *time.Timer
	slotFreed bool
}

type pendingChannel struct {
	guildID   string
	channelID string
}

// config holds the optional pieces assembled by Option values.
type config struct {
	aloneTimeout    time.Duration
	silenceDuration time.Duration
	corrector       *transcript.Corrector
	vocabSource     VocabularySource
	responder       Responder
	metrics         *observe.Metrics
	log             *slog.Logger
}

// Option configures a [Manager].
type Option func(*config)

// WithAloneTimeout sets how long the bot waits for the user. Default 300s.
func WithAloneTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.aloneTimeout = d
		}
	}
}

// WithSilenceDuration sets the trailing silence that closes a speech
// segment. Default 1s.
func WithSilenceDuration(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.silenceDuration = d
		}
	}
}

// WithCorrector enables phonetic proper-noun correction of transcripts.
func WithCorrector(c *transcript.Corrector, src VocabularySource) Option {
	return func(cfg *config) {
		cfg.corrector = c
		cfg.vocabSource = src
	}
}

// WithResponder sets the announcement sink for channel-ready messages.
func WithResponder(r Responder) Option {
	return func(cfg *config) { cfg.responder = r }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.log = l }
}

// Manager owns every live voice session. Construct with [NewManager]; the
// zero value is not usable. All exported methods are safe for concurrent
// use.
type Manager struct {
	channels    ChannelAPI
	platform    Connector
	store       store.VoiceStore
	slots       SlotQueue
	vadEngine   vad.Engine
	transcriber Transcriber

	aloneTimeout    time.Duration
	silenceDuration time.Duration
	corrector       *transcript.Corrector
	vocabSource     VocabularySource
	responder       Responder
	metrics         *observe.Metrics
	log             *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	pending  []pendingChannel
}

// NewManager creates a voice session manager.
func NewManager(channels ChannelAPI, platform Connector, voiceStore store.VoiceStore, slots SlotQueue, vadEngine vad.Engine, transcriber Transcriber, opts ...Option) *Manager {
	cfg := &config{
		aloneTimeout:    DefaultAloneTimeout,
		silenceDuration: DefaultSilenceDuration,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	return &Manager{
		channels:        channels,
		platform:        platform,
		store:           voiceStore,
		slots:           slots,
		vadEngine:       vadEngine,
		transcriber:     transcriber,
		aloneTimeout:    cfg.aloneTimeout,
		silenceDuration: cfg.silenceDuration,
		corrector:       cfg.corrector,
		vocabSource:     cfg.vocabSource,
		responder:       cfg.responder,
		metrics:         cfg.metrics,
		log:             cfg.log,
		sessions:        make(map[string]*session),
	}
}

// BeginSession creates the voice channel and connects the bot for one voice
// request. On success the manager owns the request's queue slot and frees it
// when the session reaches cleanup; on error the caller keeps the slot.
func (m *Manager) BeginSession(ctx context.Context, req *queue.Request) error {
	sess := &session{
		id:      uuid.NewString(),
		req:     req,
		userID:  req.UserID,
		guildID: req.ServerID,
		state:   StateRequested,
	}

	channelID, err := m.channels.CreateVoiceChannel(sess.guildID, "engram-voice-"+sess.id[:8])
	if err != nil {
		return fmt.Errorf("voice: create channel: %w", err)
	}
	sess.channelID = channelID
	sess.state = StateChannelCreated

	if err := m.store.CreateSession(ctx, store.VoiceSession{
		ID:        sess.id,
		UserID:    sess.userID,
		GuildID:   sess.guildID,
		ChannelID: channelID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.deleteChannel(sess.guildID, channelID)
		return fmt.Errorf("voice: record session: %w", err)
	}

	conn, err := m.platform.Connect(ctx, sess.guildID, channelID)
	if err != nil {
		m.deleteChannel(sess.guildID, channelID)
		m.endRow(sess.id)
		return fmt.Errorf("voice: connect: %w", err)
	}
	sess.conn = conn

	conn.OnParticipantChange(func(ev audio.Event) {
		m.handleEvent(sess.id, ev)
	})

	m.mu.Lock()
	sess.state = StateWaiting
	sess.alone = time.AfterFunc(m.aloneTimeout, func() { m.aloneExpired(sess.id) })
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.metrics.ActiveVoiceSessions.Add(ctx, 1)
	if m.responder != nil {
		m.responder.SendResponse(req, fmt.Sprintf(readyTextFormat, channelID))
	}

	m.log.Info("voice session waiting",
		"session_id", sess.id, "user_id", sess.userID,
		"guild_id", sess.guildID, "channel_id", channelID)
	return nil
}

// ActiveSessions returns how many sessions are currently live (waiting or
// active).
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// handleEvent reacts to participant changes on a session's channel. Only the
// requesting user drives the state machine; other participants are ignored.
func (m *Manager) handleEvent(sessionID string, ev audio.Event) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || ev.UserID != sess.userID {
		m.mu.Unlock()
		return
	}

	switch {
	case ev.Type == audio.EventJoin && sess.state == StateWaiting:
		sess.alone.Stop()
		sess.state = StateActive
		m.mu.Unlock()
		m.startCapture(sess)
		return
	case ev.Type == audio.EventLeave && sess.state == StateActive:
		m.mu.Unlock()
		m.cleanup(sessionID, "user left")
		return
	}
	m.mu.Unlock()
}

// startCapture builds the sink for the user's input stream and pumps frames
// into it. A sink failure runs cleanup; a voice session without capture is
// useless.
func (m *Manager) startCapture(sess *session) {
	var vocab *transcript.Vocabulary
	if m.vocabSource != nil {
		vocab = m.vocabSource.GuildVocabulary(sess.guildID)
	}

	sink, err := NewSink(SinkConfig{
		SessionID:         sess.id,
		VAD:               m.vadEngine,
		Transcriber:       m.transcriber,
		Store:             m.store,
		Corrector:         m.corrector,
		Vocabulary:        vocab,
		SilenceDurationMs: int(m.silenceDuration.Milliseconds()),
		Metrics:           m.metrics,
		Logger:            m.log,
	})
	if err != nil {
		m.log.Error("start capture", "session_id", sess.id, "error", err)
		m.cleanup(sess.id, "sink failure")
		return
	}

	m.mu.Lock()
	if sess.state != StateActive {
		// Cleanup raced ahead; the sink was never wired.
		m.mu.Unlock()
		_ = sink.Close()
		return
	}
	sess.sink = sink
	stream := sess.conn.InputStreams()[sess.userID]
	m.mu.Unlock()

	if stream == nil {
		m.log.Warn("no input stream for user", "session_id", sess.id, "user_id", sess.userID)
		return
	}
	go func() {
		for frame := range stream {
			sink.Push(frame)
		}
	}()

	m.log.Info("voice session active", "session_id", sess.id, "user_id", sess.userID)
}

// aloneExpired fires when the user never joined. The timer is stopped on
// join, and cleanup is idempotent, so a late firing is harmless.
func (m *Manager) aloneExpired(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	expired := ok && sess.state == StateWaiting
	m.mu.Unlock()
	if expired {
		m.cleanup(sessionID, "alone timeout")
	}
}

// cleanup runs the one-way teardown transition: free the queue slot, close
// the sink, disconnect, delete the channel, and mark the session row ended.
// Calling it twice for the same session is a no-op.
func (m *Manager) cleanup(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.state == StateCleanup || sess.state == StateEnded {
		m.mu.Unlock()
		return
	}
	sess.state = StateCleanup
	if sess.alone != nil {
		sess.alone.Stop()
	}
	freeSlot := !sess.slotFreed
	sess.slotFreed = true
	m.mu.Unlock()

	if freeSlot {
		m.slots.Complete(sess.req, true)
	}

	if sess.sink != nil {
		if err := sess.sink.Close(); err != nil {
			m.log.Warn("close sink", "session_id", sessionID, "error", err)
		}
	}
	if sess.conn != nil {
		if err := sess.conn.Disconnect(); err != nil {
			m.log.Warn("voice disconnect", "session_id", sessionID, "error", err)
		}
	}
	m.deleteChannel(sess.guildID, sess.channelID)
	m.endRow(sessionID)

	m.mu.Lock()
	sess.state = StateEnded
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.metrics.ActiveVoiceSessions.Add(context.Background(), -1)
	m.log.Info("voice session ended", "session_id", sessionID, "reason", reason)
}

// EndAll tears down every live session and retries the pending channel
// deletions. Called once at shutdown.
func (m *Manager) EndAll(_ context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.cleanup(id, "shutdown")
	}
	m.retryPendingDeletions()
}

// ReapOrphans closes session rows left open by an unclean shutdown and
// best-effort deletes their channels. Called once at startup.
func (m *Manager) ReapOrphans(ctx context.Context) error {
	open, err := m.store.OpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("voice: list open sessions: %w", err)
	}

	now := time.Now().UTC()
	for _, sess := range open {
		if err := m.channels.DeleteChannel(sess.ChannelID); err != nil {
			m.log.Warn("delete orphaned channel",
				"session_id", sess.ID, "channel_id", sess.ChannelID, "error", err)
		}
		if err := m.store.EndSession(ctx, sess.ID, now); err != nil {
			return fmt.Errorf("voice: end orphaned session %s: %w", sess.ID, err)
		}
		m.log.Info("closed orphaned voice session",
			"session_id", sess.ID, "channel_id", sess.ChannelID)
	}
	return nil
}

// deleteChannel deletes the channel, deferring failures to the
// pending-deletion list.
func (m *Manager) deleteChannel(guildID, channelID string) {
	if err := m.channels.DeleteChannel(channelID); err != nil {
		m.log.Warn("delete channel failed, deferred",
			"guild_id", guildID, "channel_id", channelID, "error", err)
		m.mu.Lock()
		m.pending = append(m.pending, pendingChannel{guildID: guildID, channelID: channelID})
		m.mu.Unlock()
	}
}

// retryPendingDeletions retries every deferred channel deletion once.
func (m *Manager) retryPendingDeletions() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range pending {
		if err := m.channels.DeleteChannel(p.channelID); err != nil {
			m.log.Error("channel deletion still failing",
				"guild_id", p.guildID, "channel_id", p.channelID, "error", err)
		}
	}
}

// endRow marks the session row ended, detached from any request context so a
// shutdown deadline cannot orphan the row.
func (m *Manager) endRow(sessionID string) {
	if err := m.store.EndSession(context.Background(), sessionID, time.Now().UTC()); err != nil {
		m.log.Error("end session row", "session_id", sessionID, "error", err)
	}
}
