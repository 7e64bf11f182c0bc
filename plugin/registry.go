// Package plugin implements the Plugin Registry & Executor (C4): a
// startup-synced in-memory registry of typed deterministic operations,
// and the validate -> policy -> execute -> classify pipeline that runs
// them (spec §4.4). Grounded on itsneelabh-gomind/orchestration/catalog.go
// (mutex-guarded map, atomic-swap refresh idiom).
package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// Handler runs one plugin invocation against validated inputs and
// returns outputs conforming to the plugin's output schema.
type Handler func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)

// entry pairs a plugin's registration record with its handler.
type entry struct {
	def     domain.PluginDefinition
	handler Handler
}

// DefinitionStore is the persistence surface for plugin rows (spec
// §4.4: "both are persisted in the plugin table").
type DefinitionStore interface {
	ListPluginDefinitions(ctx context.Context, origin domain.PluginOrigin) ([]domain.PluginDefinition, error)
	UpsertPluginDefinition(ctx context.Context, def domain.PluginDefinition) error
	DeletePluginDefinition(ctx context.Context, namespace string) error
}

// Registry is the C4 in-memory catalog, kept in sync with the
// persisted plugin table at startup and on later registration calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  DefinitionStore
	logger core.Logger
}

// New builds an empty registry.
func New(store DefinitionStore, logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Registry{entries: map[string]*entry{}, store: store, logger: logger}
}

// RegisterBuiltin registers a system-origin plugin's handler in memory.
// It does not touch the store directly; Sync reconciles compiled-in
// registrations against persisted rows.
func (r *Registry) RegisterBuiltin(def domain.PluginDefinition, handler Handler) {
	def.Origin = domain.OriginSystem
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Namespace] = &entry{def: def, handler: handler}
}

// RegisterOrganization adds or replaces an organization-origin plugin.
// Organization plugins carry no compiled handler of their own in this
// build-out; dispatch for them is expected to route through a generic
// invoker (e.g. an HTTP-callback handler) supplied by handler.
func (r *Registry) RegisterOrganization(ctx context.Context, def domain.PluginDefinition, handler Handler) error {
	def.Origin = domain.OriginOrganization
	if err := r.store.UpsertPluginDefinition(ctx, def); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[def.Namespace] = &entry{def: def, handler: handler}
	r.mu.Unlock()
	return nil
}

// Sync implements spec §4.4's startup algorithm: diff the compiled-in
// (system-origin) registrations already held in memory against the
// persisted system rows, upsert whichever changed, delete system rows
// no longer compiled in, then load every organization row and register
// it without ever deleting one (organization plugins are user data).
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.RLock()
	compiled := make(map[string]domain.PluginDefinition, len(r.entries))
	for ns, e := range r.entries {
		if e.def.Origin == domain.OriginSystem {
			compiled[ns] = e.def
		}
	}
	r.mu.RUnlock()

	persistedSystem, err := r.store.ListPluginDefinitions(ctx, domain.OriginSystem)
	if err != nil {
		return err
	}
	persistedByNS := make(map[string]domain.PluginDefinition, len(persistedSystem))
	for _, d := range persistedSystem {
		persistedByNS[d.Namespace] = d
	}

	for ns, def := range compiled {
		existing, ok := persistedByNS[ns]
		if !ok || !sameDefinition(existing, def) {
			if err := r.store.UpsertPluginDefinition(ctx, def); err != nil {
				return err
			}
		}
	}
	for ns := range persistedByNS {
		if _, stillCompiled := compiled[ns]; !stillCompiled {
			if err := r.store.DeletePluginDefinition(ctx, ns); err != nil {
				return err
			}
			r.logger.Info("deleted orphaned system plugin row", map[string]interface{}{"namespace": ns})
		}
	}

	orgDefs, err := r.store.ListPluginDefinitions(ctx, domain.OriginOrganization)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, def := range orgDefs {
		if _, already := r.entries[def.Namespace]; !already {
			// organization plugins persisted with no in-memory handler
			// yet are registered with a nil handler; Execute surfaces
			// UnknownPlugin if it's invoked before a real handler is
			// wired via RegisterOrganization.
			r.entries[def.Namespace] = &entry{def: def}
		}
	}
	r.mu.Unlock()
	return nil
}

func sameDefinition(a, b domain.PluginDefinition) bool {
	return a.Description == b.Description && a.Category == b.Category &&
		a.RequiresCheckpoint == b.RequiresCheckpoint
}

// Lookup returns the registration record for namespace, if registered.
func (r *Registry) Lookup(namespace string) (domain.PluginDefinition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[namespace]
	if !ok {
		return domain.PluginDefinition{}, nil, false
	}
	return e.def, e.handler, true
}

// List returns every registered definition, namespace-sorted.
func (r *Registry) List() []domain.PluginDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PluginDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}
