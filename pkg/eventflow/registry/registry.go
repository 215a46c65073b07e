package registry

import (
	"slices"
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Registry is the live subscription table of handlers.
// It uses sync.RWMutex for read-heavy workloads: registration happens at
// boot, lookups on every publish and every processing tick.
type Registry struct {
	mu       sync.RWMutex
	handlers []event.Handler
}

// New creates a new empty registry.
func New() *Registry {
	return &Registry{}
}

// Register appends a handler. Registrations are not deduplicated;
// registering the same handler twice is a caller error.
func (r *Registry) Register(h event.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// RegisterMany appends several handlers in order.
func (r *Registry) RegisterMany(hs ...event.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, hs...)
}

// HandlersFor returns every handler whose predicate accepts eventType,
// in registration order.
func (r *Registry) HandlersFor(eventType string) []event.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []event.Handler
	for _, h := range r.handlers {
		if h.CanHandle(eventType) {
			matched = append(matched, h)
		}
	}
	return matched
}

// Lookup resolves the handler behind a consumer record: the first handler
// with the given endpoint that still accepts eventType.
func (r *Registry) Lookup(endpoint, eventType string) (event.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if event.Endpoint(h) == endpoint && h.CanHandle(eventType) {
			return h, true
		}
	}
	return nil, false
}

// Endpoints returns the endpoints of every registered handler in order.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		endpoints = append(endpoints, event.Endpoint(h))
	}
	return endpoints
}

// Handlers returns a snapshot of all registered handlers.
func (r *Registry) Handlers() []event.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
