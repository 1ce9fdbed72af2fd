// Package store defines the persistence interfaces used by engram.
//
// Three stores back the bot:
//
//   - [ConversationStore] — append-only DM conversation turns, one pair of
//     user/assistant rows per answered question.
//   - [VoiceStore] — voice-session lifecycle rows plus their ordered
//     transcription chunks.
//   - [VectorStore] — one embedded-message collection per Discord server,
//     searched by cosine distance.
//
// All interfaces are public so that external packages can supply alternative
// storage backends without depending on engram internals. Every implementation
// must be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the human asking a question.
	RoleUser Role = "user"

	// RoleAssistant marks a turn written by the agent.
	RoleAssistant Role = "assistant"
)

// DMServerID is the server_id recorded for direct-message conversation turns,
// which are not bound to any guild.
const DMServerID = "0"

// Canonical metadata keys stored alongside every indexed message. The
// pipeline's normalization step writes exactly this key set.
const (
	MetaAuthorName        = "author_name"
	MetaAuthorDisplayName = "author_display_name"
	MetaAuthorGlobalName  = "author_global_name"
	MetaAuthorNick        = "author_nick"
	MetaChannelName       = "channel_name"
	MetaTimestamp         = "timestamp"
	MetaMessageID         = "message_id"
	MetaServerID          = "server_id"
)

// Metadata is the JSONB payload stored with each indexed message. Timestamp
// values are RFC 3339 UTC strings so that lexical and chronological order
// coincide.
type Metadata map[string]string

// Document is one embedded message ready for the vector index.
type Document struct {
	// MessageID is the Discord message snowflake; it is the collection key,
	// so re-ingesting a message replaces its previous row.
	MessageID string

	// Content is the composite embedding text (message content plus link
	// summaries and image captions).
	Content string

	// Embedding is the vector representation of Content. Its dimension must
	// match the collection configuration.
	Embedding []float32

	// Metadata carries the canonical Meta* keys.
	Metadata Metadata
}

// Hit pairs a retrieved document with its cosine distance from the query
// vector. Lower Distance means higher similarity; callers convert to a
// relevance score as 1 − Distance.
type Hit struct {
	Document Document
	Distance float64
}

// ConvTurn is one row of a DM conversation.
type ConvTurn struct {
	// ID is assigned by the store on append; zero before insertion.
	ID int64

	// UserID is the Discord user the conversation belongs to.
	UserID string

	// ServerID scopes the conversation; [DMServerID] for plain DM chats.
	ServerID string

	Role    Role
	Content string

	// Timestamp defaults to insertion time when zero.
	Timestamp time.Time

	// SessionID links the turn to a voice session, when one produced it.
	SessionID string
}

// VoiceSession is the lifecycle record of one temporary voice channel.
type VoiceSession struct {
	// ID is a UUID assigned by the voice manager.
	ID string

	UserID    string
	GuildID   string
	ChannelID string
	CreatedAt time.Time

	// EndedAt is nil while the session is live. Every session row has it set
	// before process exit.
	EndedAt *time.Time
}

// Transcription is one speech segment transcribed during a voice session.
// Chunk indexes within a session form the prefix 0,1,2,…
type Transcription struct {
	SessionID   string
	ChunkIndex  int
	Text        string
	Confidence  float64
	DurationSec float64
	Timestamp   time.Time
}

// ConversationStore persists DM conversation turns.
type ConversationStore interface {
	// AppendTurn appends one turn. turn.ID and a zero turn.Timestamp are
	// assigned by the store.
	AppendTurn(ctx context.Context, turn ConvTurn) error

	// History returns the most recent limit turns for (userID, serverID) in
	// chronological order (oldest first). limit <= 0 returns all turns.
	// Returns an empty (non-nil) slice when no turns exist.
	History(ctx context.Context, userID, serverID string, limit int) ([]ConvTurn, error)

	// ClearHistory deletes all turns for (userID, serverID) and reports how
	// many rows were removed. Clearing an empty history is not an error.
	ClearHistory(ctx context.Context, userID, serverID string) (int64, error)
}

// VoiceStore persists voice sessions and their transcriptions.
type VoiceStore interface {
	// CreateSession inserts a new session row with a nil EndedAt.
	CreateSession(ctx context.Context, session VoiceSession) error

	// EndSession sets EndedAt on the identified session. Ending an already
	// ended or unknown session is not an error.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// OpenSessions returns all sessions whose EndedAt is unset, oldest first.
	// Used on startup to close rows orphaned by an unclean shutdown.
	// Returns an empty (non-nil) slice when none are open.
	OpenSessions(ctx context.Context) ([]VoiceSession, error)

	// AppendTranscription inserts one transcription chunk. The caller owns
	// chunk_index assignment; duplicate (session_id, chunk_index) pairs fail.
	AppendTranscription(ctx context.Context, t Transcription) error

	// Transcriptions returns all chunks for sessionID ordered by chunk index.
	// Returns an empty (non-nil) slice when the session has none.
	Transcriptions(ctx context.Context, sessionID string) ([]Transcription, error)
}

// VectorStore is the per-server message vector index.
type VectorStore interface {
	// EnsureCollection idempotently creates the collection for serverID with
	// the given embedding dimension. Changing dims for an existing collection
	// requires a manual schema change.
	EnsureCollection(ctx context.Context, serverID string, dims int) error

	// Upsert writes doc into the serverID collection, keyed on MessageID.
	// Re-ingesting a message replaces its previous row.
	Upsert(ctx context.Context, serverID string, doc Document) error

	// Search returns the k documents closest to vector by cosine distance,
	// ordered ascending (most similar first). A missing collection yields an
	// empty (non-nil) slice, not an error.
	Search(ctx context.Context, serverID string, vector []float32, k int) ([]Hit, error)

	// Count reports the number of documents indexed for serverID. A missing
	// collection counts as zero.
	Count(ctx context.Context, serverID string) (int64, error)

	// LatestTimestamp returns the maximum metadata timestamp in the serverID
	// collection. ok is false when the collection is absent, empty, or holds
	// no parseable timestamp — the caller then performs a full backfill scan.
	LatestTimestamp(ctx context.Context, serverID string) (ts time.Time, ok bool, err error)
}
