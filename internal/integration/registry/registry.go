// Package registry manages the stored integration configurations the rest
// of the engine resolves connectors from.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/integration/connector"
	"github.com/medbridge/medbridge/internal/platform/store"
)

const keyPrefix = "integration:"

// Registry holds integration configurations in memory, mirrored to the
// durable store. It satisfies the sync orchestrator's config source.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*connector.IntegrationConfig
	store   store.Store
	logger  zerolog.Logger
}

func New(st store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		configs: map[string]*connector.IntegrationConfig{},
		store:   st,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Load restores persisted configurations.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("registry: load configs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, data := range entries {
		var cfg connector.IntegrationConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable integration config")
			continue
		}
		r.configs[cfg.ID] = &cfg
	}
	r.logger.Info().Int("configs", len(r.configs)).Msg("integration configs loaded")
	return nil
}

// Create validates and stores a new configuration. A missing id is generated.
func (r *Registry) Create(ctx context.Context, cfg connector.IntegrationConfig) (*connector.IntegrationConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[cfg.ID]; exists {
		return nil, fmt.Errorf("registry: config %s already exists", cfg.ID)
	}
	stored := cfg
	r.configs[cfg.ID] = &stored
	if err := r.persistLocked(ctx, &stored); err != nil {
		delete(r.configs, cfg.ID)
		return nil, err
	}
	out := stored
	return &out, nil
}

// Update replaces an existing configuration, keeping its id.
func (r *Registry) Update(ctx context.Context, id string, cfg connector.IntegrationConfig) (*connector.IntegrationConfig, error) {
	cfg.ID = id
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.configs[id]
	if !exists {
		return nil, fmt.Errorf("registry: config %s not found", id)
	}
	// Carry forward state the caller does not own.
	cfg.LastSyncAt = prev.LastSyncAt

	stored := cfg
	r.configs[id] = &stored
	if err := r.persistLocked(ctx, &stored); err != nil {
		r.configs[id] = prev
		return nil, err
	}
	out := stored
	return &out, nil
}

// Delete removes a configuration.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.configs[id]; !exists {
		return fmt.Errorf("registry: config %s not found", id)
	}
	delete(r.configs, id)
	if r.store != nil {
		if err := r.store.Delete(ctx, keyPrefix+id); err != nil {
			return fmt.Errorf("registry: delete config %s: %w", id, err)
		}
	}
	return nil
}

// Config resolves one configuration by id.
func (r *Registry) Config(id string) (*connector.IntegrationConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, false
	}
	out := *cfg
	return &out, true
}

// List returns all configurations sorted by name then id.
func (r *Registry) List() []connector.IntegrationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connector.IntegrationConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkSynced records when a configuration last completed a sync.
func (r *Registry) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return fmt.Errorf("registry: config %s not found", id)
	}
	cfg.LastSyncAt = &at
	return r.persistLocked(ctx, cfg)
}

func (r *Registry) persistLocked(ctx context.Context, cfg *connector.IntegrationConfig) error {
	if r.store == nil {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("registry: encode config %s: %w", cfg.ID, err)
	}
	if err := r.store.Put(ctx, keyPrefix+cfg.ID, b); err != nil {
		return fmt.Errorf("registry: persist config %s: %w", cfg.ID, err)
	}
	return nil
}
