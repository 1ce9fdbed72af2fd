// Package postgres provides the PostgreSQL-backed implementation of the
// engram store interfaces (conversations, voice sessions, per-server message
// vector collections).
//
// All stores share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.Conversations().AppendTurn(ctx, turn)
//	_ = st.Vectors().Upsert(ctx, serverID, doc)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the central PostgreSQL-backed store for engram. It holds a single
// [pgxpool.Pool] and exposes the three store facades:
//
//   - [Store.Conversations] implements [store.ConversationStore]
//   - [Store.Voice] implements [store.VoiceStore]
//   - [Store.Vectors] implements [store.VectorStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool          *pgxpool.Pool
	conversations *Conversations
	voice         *VoiceSessions
	vectors       *Vectors
}

// New creates a new Store: it establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the relational tables exist. Per-server vector
// collections are created lazily via [Vectors.EnsureCollection].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:          pool,
		conversations: &Conversations{pool: pool},
		voice:         &VoiceSessions{pool: pool},
		vectors:       &Vectors{pool: pool},
	}, nil
}

// Conversations returns the conversation store facade.
func (s *Store) Conversations() *Conversations { return s.conversations }

// Voice returns the voice session store facade.
func (s *Store) Voice() *VoiceSessions { return s.voice }

// Vectors returns the per-server vector index facade.
func (s *Store) Vectors() *Vectors { return s.vectors }

// Pool exposes the underlying connection pool for components that share the
// database but own their own tables (e.g., server configuration).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
