package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]EntityPipeline{}
)

// Register adds a pipeline to the global registry. It panics on a
// duplicate entity type, since that is a programming error caught at init.
func Register(p EntityPipeline) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := p.EntityType()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("pipeline: entity type %q registered twice", name))
	}
	registry[name] = p
}

// Lookup returns the pipeline registered for entityType.
func Lookup(entityType string) (EntityPipeline, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[entityType]
	return p, ok
}

// Names returns the registered entity types in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered pipeline, sorted by entity type.
func All() []EntityPipeline {
	names := Names()
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]EntityPipeline, 0, len(names))
	for _, name := range names {
		out = append(out, registry[name])
	}
	return out
}

// LookupFunc resolves pipelines by entity type. The orchestrator takes one
// so tests can supply pipelines without touching the global registry.
type LookupFunc func(entityType string) (EntityPipeline, bool)
