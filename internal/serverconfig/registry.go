package serverconfig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the authoritative owner of ServerConfig state. It combines the
// durable [Store] with an in-memory mirror and a per-server pause set.
//
// Registry is safe for concurrent use.
type Registry struct {
	store       Store
	provisioner Provisioner
	log         *slog.Logger

	mu     sync.RWMutex
	mirror map[string]ServerConfig
	paused map[string]struct{}
}

// NewRegistry creates a Registry. Call [Registry.LoadAll] before serving
// traffic.
func NewRegistry(store Store, provisioner Provisioner, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:       store,
		provisioner: provisioner,
		log:         log,
		mirror:      make(map[string]ServerConfig),
		paused:      make(map[string]struct{}),
	}
}

// LoadAll populates the mirror from the store. It is called once at startup
// and fails hard when the store is unavailable. It returns the number of
// configured servers.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	configs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("serverconfig: load all: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		r.mirror[cfg.ServerID] = cfg
	}
	return len(configs), nil
}

// IsConfigured reports whether serverID has a configuration row. It only
// consults the mirror and never performs I/O.
func (r *Registry) IsConfigured(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mirror[serverID]
	return ok
}

// Get returns a copy of the server's configuration, or nil when absent.
// It only consults the mirror and never performs I/O.
func (r *Registry) Get(serverID string) *ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.mirror[serverID]
	if !ok {
		return nil
	}
	return &cfg
}

// EnsureConfigured provisions serverID when it has no configuration yet.
// It returns true when a new row was created. When provisioning or the store
// write fails, the mirror is left unchanged and the server's inbound messages
// stay unindexed.
func (r *Registry) EnsureConfigured(ctx context.Context, serverID, serverName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mirror[serverID]; ok {
		return false, nil
	}

	policy, embeddingModel, err := r.provisioner.Provision(ctx, serverID, serverName)
	if err != nil {
		return false, fmt.Errorf("serverconfig: provision %s: %w", serverID, err)
	}
	if !policy.Valid() {
		return false, fmt.Errorf("serverconfig: provisioner returned invalid error policy %q", policy)
	}

	cfg := ServerConfig{
		ServerID:         serverID,
		ServerName:       serverName,
		ErrorPolicy:      policy,
		EmbeddingModelID: embeddingModel,
	}
	if err := r.store.Upsert(ctx, &cfg); err != nil {
		return false, fmt.Errorf("serverconfig: persist %s: %w", serverID, err)
	}

	r.mirror[serverID] = cfg
	r.log.Info("server provisioned",
		"server_id", serverID,
		"server_name", serverName,
		"error_policy", policy,
		"embedding_model", embeddingModel)
	return true, nil
}

// UpdateNameIfChanged persists a server rename. Unknown servers and unchanged
// names are no-ops.
func (r *Registry) UpdateNameIfChanged(ctx context.Context, serverID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.mirror[serverID]
	if !ok || cfg.ServerName == newName {
		return nil
	}

	if err := r.store.UpdateName(ctx, serverID, newName); err != nil {
		return fmt.Errorf("serverconfig: update name %s: %w", serverID, err)
	}
	cfg.ServerName = newName
	r.mirror[serverID] = cfg
	return nil
}

// Pause halts ingestion for one server after a stop-policy failure. The pause
// lasts until process restart.
func (r *Registry) Pause(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, already := r.paused[serverID]; !already {
		r.paused[serverID] = struct{}{}
		r.log.Warn("server ingestion paused", "server_id", serverID)
	}
}

// IsPaused reports whether ingestion for serverID is currently halted.
func (r *Registry) IsPaused(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.paused[serverID]
	return ok
}

// ServerIDs returns the IDs of all configured servers in unspecified order.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.mirror))
	for id := range r.mirror {
		ids = append(ids, id)
	}
	return ids
}
