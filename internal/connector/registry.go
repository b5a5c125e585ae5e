package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Factory builds a connector instance on first use.
type Factory func() (Connector, error)

// Registry resolves connectors by id. Instances are created lazily from their
// factory and cached.
type Registry struct {
	log       logr.Logger
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Connector
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{log: log, factories: map[string]Factory{}, instances: map[string]Connector{}}
}

// RegisterFactory adds a factory and drops any cached instance for id.
func (r *Registry) RegisterFactory(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	delete(r.instances, id)
	r.log.V(1).Info("registered connector factory", "connector", id)
}

// Register adds a ready instance under its own id.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[c.ID()] = c
	r.log.V(1).Info("registered connector", "connector", c.ID())
}

// Get returns the connector for id, building it from its factory if needed.
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.instances[id]; ok {
		return c, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c, err := f()
	if err != nil {
		return nil, fmt.Errorf("build connector %s: %w", id, err)
	}
	r.instances[id] = c
	r.log.Info("created connector instance", "connector", id)
	return c, nil
}

// IDs lists every known connector id, registered or buildable.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]struct{}{}
	for id := range r.factories {
		seen[id] = struct{}{}
	}
	for id := range r.instances {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
