package cache

import (
	"net/http"
)

// Manager owns the run document cache of the operator API. A nil *Manager
// is valid: its middleware passes requests through and invalidation is a
// no-op.
type Manager struct {
	runs *LRUCache
}

// NewManager creates a Manager from the given configuration.
// If cfg is nil or disabled, it returns nil.
func NewManager(cfg *CacheConfig) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &Manager{runs: NewLRUCache(cfg.MaxSize, cfg.TTL)}
}

// Middleware caches immutable GET responses of the wrapped handler.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(m.runs)
}

// InvalidateAll drops every cached document. Call it after pruning runs so
// deleted runs stop being served.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.runs.InvalidateAll()
}

// Size returns the number of cached documents.
func (m *Manager) Size() int {
	if m == nil {
		return 0
	}
	return m.runs.Size()
}
