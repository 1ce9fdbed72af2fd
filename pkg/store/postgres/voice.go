package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feldrow/engram/pkg/store"
)

// Compile-time interface check.
var _ store.VoiceStore = (*VoiceSessions)(nil)

// VoiceSessions is the voice store backed by the voice_sessions and
// transcriptions tables.
//
// Obtain one via [Store.Voice] rather than constructing directly.
// All methods are safe for concurrent use.
type VoiceSessions struct {
	pool *pgxpool.Pool
}

// CreateSession implements [store.VoiceStore].
func (v *VoiceSessions) CreateSession(ctx context.Context, session store.VoiceSession) error {
	const q = `
		INSERT INTO voice_sessions (id, user_id, guild_id, channel_id, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))`

	var created any
	if !session.CreatedAt.IsZero() {
		created = session.CreatedAt
	}
	_, err := v.pool.Exec(ctx, q, session.ID, session.UserID, session.GuildID, session.ChannelID, created)
	if err != nil {
		return fmt.Errorf("voice store: create session: %w", err)
	}
	return nil
}

// EndSession implements [store.VoiceStore]. Already-ended sessions keep their
// original ended_at; unknown sessions are a no-op.
func (v *VoiceSessions) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `
		UPDATE voice_sessions
		SET    ended_at = $2
		WHERE  id = $1 AND ended_at IS NULL`

	if _, err := v.pool.Exec(ctx, q, sessionID, endedAt); err != nil {
		return fmt.Errorf("voice store: end session: %w", err)
	}
	return nil
}

// OpenSessions implements [store.VoiceStore].
func (v *VoiceSessions) OpenSessions(ctx context.Context) ([]store.VoiceSession, error) {
	const q = `
		SELECT id, user_id, guild_id, channel_id, created_at, ended_at
		FROM   voice_sessions
		WHERE  ended_at IS NULL
		ORDER  BY created_at`

	rows, err := v.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("voice store: open sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("voice store: scan rows: %w", err)
	}
	if sessions == nil {
		sessions = []store.VoiceSession{}
	}
	return sessions, nil
}

// AppendTranscription implements [store.VoiceStore].
func (v *VoiceSessions) AppendTranscription(ctx context.Context, t store.Transcription) error {
	const q = `
		INSERT INTO transcriptions (session_id, chunk_index, text, confidence, duration_sec, timestamp)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()))`

	var ts any
	if !t.Timestamp.IsZero() {
		ts = t.Timestamp
	}
	_, err := v.pool.Exec(ctx, q, t.SessionID, t.ChunkIndex, t.Text, t.Confidence, t.DurationSec, ts)
	if err != nil {
		return fmt.Errorf("voice store: append transcription: %w", err)
	}
	return nil
}

// Transcriptions implements [store.VoiceStore].
func (v *VoiceSessions) Transcriptions(ctx context.Context, sessionID string) ([]store.Transcription, error) {
	const q = `
		SELECT session_id, chunk_index, text, confidence, duration_sec, timestamp
		FROM   transcriptions
		WHERE  session_id = $1
		ORDER  BY chunk_index`

	rows, err := v.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("voice store: transcriptions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Transcription, error) {
		var t store.Transcription
		err := row.Scan(&t.SessionID, &t.ChunkIndex, &t.Text, &t.Confidence, &t.DurationSec, &t.Timestamp)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("voice store: scan rows: %w", err)
	}
	if out == nil {
		out = []store.Transcription{}
	}
	return out, nil
}

func scanSession(row pgx.CollectableRow) (store.VoiceSession, error) {
	var s store.VoiceSession
	err := row.Scan(&s.ID, &s.UserID, &s.GuildID, &s.ChannelID, &s.CreatedAt, &s.EndedAt)
	return s, err
}
