package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/feldrow/engram/pkg/store"
)

// Compile-time interface check.
var _ store.VectorStore = (*Vectors)(nil)

// serverIDPattern matches Discord snowflakes. Table names embed the server ID
// directly, so anything else is rejected before it reaches SQL.
var serverIDPattern = regexp.MustCompile(`^[0-9]{1,20}$`)

// Vectors is the per-server message vector index backed by one pgvector table
// per server (vec_messages_<server_id>) with an HNSW cosine index.
//
// Obtain one via [Store.Vectors] rather than constructing directly.
// All methods are safe for concurrent use.
type Vectors struct {
	pool *pgxpool.Pool
}

// tableName validates serverID and returns its collection table name.
func tableName(serverID string) (string, error) {
	if !serverIDPattern.MatchString(serverID) {
		return "", fmt.Errorf("vector store: invalid server id %q", serverID)
	}
	return "vec_messages_" + serverID, nil
}

// EnsureCollection implements [store.VectorStore]. It creates the table and
// its HNSW cosine index idempotently. dims is baked into the column type at
// creation time.
func (v *Vectors) EnsureCollection(ctx context.Context, serverID string, dims int) error {
	table, err := tableName(serverID)
	if err != nil {
		return err
	}
	if dims <= 0 {
		return fmt.Errorf("vector store: invalid embedding dimension %d", dims)
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    message_id  TEXT       PRIMARY KEY,
    content     TEXT       NOT NULL,
    embedding   vector(%[2]d),
    metadata    JSONB      NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, table, dims)

	if _, err := v.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("vector store: ensure collection %s: %w", table, err)
	}
	return nil
}

// Upsert implements [store.VectorStore]. Re-ingesting a message replaces its
// previous row.
func (v *Vectors) Upsert(ctx context.Context, serverID string, doc store.Document) error {
	table, err := tableName(serverID)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("vector store: marshal metadata: %w", err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (message_id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata  = EXCLUDED.metadata`, table)

	_, err = v.pool.Exec(ctx, q, doc.MessageID, doc.Content, pgvector.NewVector(doc.Embedding), meta)
	if err != nil {
		return fmt.Errorf("vector store: upsert into %s: %w", table, err)
	}
	return nil
}

// Search implements [store.VectorStore]. Results are ordered by ascending
// cosine distance; a missing collection yields an empty slice.
func (v *Vectors) Search(ctx context.Context, serverID string, vector []float32, k int) ([]store.Hit, error) {
	table, err := tableName(serverID)
	if err != nil {
		return nil, err
	}
	exists, err := v.collectionExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []store.Hit{}, nil
	}

	q := fmt.Sprintf(`
		SELECT message_id, content, embedding, metadata,
		       embedding <=> $1 AS distance
		FROM   %s
		ORDER  BY distance
		LIMIT  $2`, table)

	rows, err := v.pool.Query(ctx, q, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("vector store: search %s: %w", table, err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Hit, error) {
		var (
			h    store.Hit
			vec  pgvector.Vector
			meta []byte
		)
		if err := row.Scan(&h.Document.MessageID, &h.Document.Content, &vec, &meta, &h.Distance); err != nil {
			return store.Hit{}, err
		}
		h.Document.Embedding = vec.Slice()
		if err := json.Unmarshal(meta, &h.Document.Metadata); err != nil {
			return store.Hit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan rows: %w", err)
	}
	if hits == nil {
		hits = []store.Hit{}
	}
	return hits, nil
}

// Count implements [store.VectorStore]. A missing collection counts as zero.
func (v *Vectors) Count(ctx context.Context, serverID string) (int64, error) {
	table, err := tableName(serverID)
	if err != nil {
		return 0, err
	}
	exists, err := v.collectionExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var n int64
	if err := v.pool.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("vector store: count %s: %w", table, err)
	}
	return n, nil
}

// LatestTimestamp implements [store.VectorStore]. Metadata timestamps are
// RFC 3339 UTC strings, so the lexical max is also the chronological max.
func (v *Vectors) LatestTimestamp(ctx context.Context, serverID string) (time.Time, bool, error) {
	table, err := tableName(serverID)
	if err != nil {
		return time.Time{}, false, err
	}
	exists, err := v.collectionExists(ctx, table)
	if err != nil {
		return time.Time{}, false, err
	}
	if !exists {
		return time.Time{}, false, nil
	}

	q := fmt.Sprintf("SELECT max(metadata->>'%s') FROM %s", store.MetaTimestamp, table)

	var raw *string
	if err := v.pool.QueryRow(ctx, q).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("vector store: latest timestamp %s: %w", table, err)
	}
	if raw == nil || *raw == "" {
		return time.Time{}, false, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		// Unparseable timestamps force a full backfill scan rather than an error.
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// collectionExists reports whether the named collection table is present.
func (v *Vectors) collectionExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := v.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("vector store: check collection %s: %w", table, err)
	}
	return exists, nil
}
