// Package registry manages workflow definition versions: loading, guard
// compilation, activation, and lookup. Definition versions are immutable
// once stored, which makes the by-ID cache safe to keep forever.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/internal/validation"
	"github.com/aquenix/flowstate/pkg/schema"
)

type Registry struct {
	store     store.Store
	validator *validation.SpecValidator
	logger    *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*schema.Definition
	active map[string]*schema.Definition // tenantID + "\x00" + key
}

func New(st store.Store, validator *validation.SpecValidator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     st,
		validator: validator,
		logger:    logger,
		byID:      make(map[string]*schema.Definition),
		active:    make(map[string]*schema.Definition),
	}
}

// Load validates the spec and stores it as a new draft version for the
// (tenant, key). The version number is assigned by the store; existing
// versions and running instances are untouched.
func (r *Registry) Load(ctx context.Context, tenantID, key string, spec schema.Spec) (*schema.Definition, error) {
	if err := r.validator.ValidateSpec(&spec); err != nil {
		return nil, err
	}

	def := &schema.Definition{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Key:      key,
		Spec:     spec,
		Status:   schema.DefinitionStatusDraft,
	}
	if err := r.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "definition loaded",
		"definition_id", def.ID,
		"key", key,
		"version", def.Version,
	)

	r.mu.Lock()
	r.byID[def.ID] = def
	r.mu.Unlock()

	return def, nil
}

// Activate makes the definition the active version for its (tenant, key),
// retiring the previously active version. New instances start on the
// active version; running instances stay pinned to the version they
// started with.
func (r *Registry) Activate(ctx context.Context, id string) (*schema.Definition, error) {
	if err := r.store.ActivateDefinition(ctx, id); err != nil {
		return nil, err
	}

	def, err := r.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[def.ID] = def
	r.active[activeKey(def.TenantID, def.Key)] = def
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "definition activated",
		"definition_id", def.ID,
		"key", def.Key,
		"version", def.Version,
	)
	return def, nil
}

// Get returns the definition version by ID, from cache when possible.
func (r *Registry) Get(ctx context.Context, id string) (*schema.Definition, error) {
	r.mu.RLock()
	if def, ok := r.byID[id]; ok {
		r.mu.RUnlock()
		return def, nil
	}
	r.mu.RUnlock()

	def, err := r.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[def.ID] = def
	r.mu.Unlock()
	return def, nil
}

// ActiveByKey returns the active version for the (tenant, key). A key
// with no active version is reported as ErrCodeNoActiveDefinition.
func (r *Registry) ActiveByKey(ctx context.Context, tenantID, key string) (*schema.Definition, error) {
	r.mu.RLock()
	if def, ok := r.active[activeKey(tenantID, key)]; ok {
		r.mu.RUnlock()
		return def, nil
	}
	r.mu.RUnlock()

	def, err := r.store.GetActiveDefinition(ctx, tenantID, key)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNoActiveDefinition,
				"no active definition for %q", key).
				WithDetails(map[string]any{"tenant_id": tenantID, "key": key})
		}
		return nil, err
	}

	r.mu.Lock()
	r.byID[def.ID] = def
	r.active[activeKey(tenantID, key)] = def
	r.mu.Unlock()
	return def, nil
}

// List returns definition versions matching the filter, newest version first.
func (r *Registry) List(ctx context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error) {
	return r.store.ListDefinitions(ctx, filter)
}

func activeKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}
