// Package serverconfig manages per-server indexing configuration: which
// Discord servers the bot is provisioned for, which embedding model each one
// uses, and how ingestion failures are handled.
//
// The [Registry] keeps a mutex-guarded in-memory mirror of the server_configs
// table so that the hot ingestion path ([Registry.IsConfigured],
// [Registry.Get]) never performs I/O. All writes go through the registry,
// which updates store and mirror under one critical section.
package serverconfig

import (
	"context"
	"time"
)

// ErrorPolicy controls how a server's ingestion reacts to a failed pipeline
// stage.
type ErrorPolicy string

const (
	// ErrorPolicySkip logs the failure, marks the message failed, and
	// continues with the rest of the batch.
	ErrorPolicySkip ErrorPolicy = "skip"

	// ErrorPolicyStop aborts the batch and pauses ingestion for that server
	// until the process restarts.
	ErrorPolicyStop ErrorPolicy = "stop"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	return p == ErrorPolicySkip || p == ErrorPolicyStop
}

// ServerConfig is the durable configuration row for one Discord server.
// A row exists only once provisioning has completed; servers without a row
// are not indexed.
type ServerConfig struct {
	ServerID         string
	ServerName       string
	ErrorPolicy      ErrorPolicy
	EmbeddingModelID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the persistence backend for server configurations.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns all configured servers.
	// Returns an empty (non-nil) slice when none exist.
	List(ctx context.Context) ([]ServerConfig, error)

	// Get retrieves one server's configuration.
	// Returns (nil, nil) when the server is not configured.
	Get(ctx context.Context, serverID string) (*ServerConfig, error)

	// Upsert creates or replaces a configuration row and refreshes the
	// CreatedAt/UpdatedAt fields on cfg from the database.
	Upsert(ctx context.Context, cfg *ServerConfig) error

	// UpdateName changes the stored server name. Updating an unconfigured
	// server is a no-op.
	UpdateName(ctx context.Context, serverID, name string) error
}

// Provisioner decides the initial configuration for a server the bot sees for
// the first time.
type Provisioner interface {
	// Provision yields the error policy and embedding model for a new
	// server, or an error when the server must not be configured.
	Provision(ctx context.Context, serverID, serverName string) (ErrorPolicy, string, error)
}
