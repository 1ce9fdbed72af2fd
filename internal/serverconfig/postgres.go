package serverconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the server_configs table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS server_configs (
    server_id          TEXT PRIMARY KEY,
    server_name        TEXT NOT NULL,
    error_policy       TEXT NOT NULL CHECK (error_policy IN ('skip', 'stop')),
    embedding_model_id TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("serverconfig: migrate: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context) ([]ServerConfig, error) {
	const query = `
		SELECT server_id, server_name, error_policy, embedding_model_id, created_at, updated_at
		FROM   server_configs
		ORDER  BY server_name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: list: %w", err)
	}
	configs, err := pgx.CollectRows(rows, scanConfig)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: list scan: %w", err)
	}
	if configs == nil {
		configs = []ServerConfig{}
	}
	return configs, nil
}

// Get implements [Store]. It returns (nil, nil) when the server is not
// configured.
func (s *PostgresStore) Get(ctx context.Context, serverID string) (*ServerConfig, error) {
	const query = `
		SELECT server_id, server_name, error_policy, embedding_model_id, created_at, updated_at
		FROM   server_configs
		WHERE  server_id = $1`

	var (
		cfg    ServerConfig
		policy string
	)
	err := s.db.QueryRow(ctx, query, serverID).Scan(
		&cfg.ServerID, &cfg.ServerName, &policy, &cfg.EmbeddingModelID, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("serverconfig: get %q: %w", serverID, err)
	}
	cfg.ErrorPolicy = ErrorPolicy(policy)
	return &cfg, nil
}

// Upsert implements [Store]. Re-provisioning an existing server replaces its
// row; CreatedAt is preserved.
func (s *PostgresStore) Upsert(ctx context.Context, cfg *ServerConfig) error {
	const query = `
		INSERT INTO server_configs (server_id, server_name, error_policy, embedding_model_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (server_id) DO UPDATE SET
		    server_name        = EXCLUDED.server_name,
		    error_policy       = EXCLUDED.error_policy,
		    embedding_model_id = EXCLUDED.embedding_model_id,
		    updated_at         = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		cfg.ServerID, cfg.ServerName, string(cfg.ErrorPolicy), cfg.EmbeddingModelID,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("serverconfig: upsert %q: %w", cfg.ServerID, err)
	}
	return nil
}

// UpdateName implements [Store].
func (s *PostgresStore) UpdateName(ctx context.Context, serverID, name string) error {
	const query = `
		UPDATE server_configs
		SET    server_name = $2, updated_at = now()
		WHERE  server_id = $1`

	if _, err := s.db.Exec(ctx, query, serverID, name); err != nil {
		return fmt.Errorf("serverconfig: update name %q: %w", serverID, err)
	}
	return nil
}

func scanConfig(row pgx.CollectableRow) (ServerConfig, error) {
	var (
		cfg    ServerConfig
		policy string
	)
	err := row.Scan(&cfg.ServerID, &cfg.ServerName, &policy, &cfg.EmbeddingModelID, &cfg.CreatedAt, &cfg.UpdatedAt)
	cfg.ErrorPolicy = ErrorPolicy(policy)
	return cfg, err
}
