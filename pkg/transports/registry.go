package transports

import (
	"sync"
	"sync/atomic"
)

// Registry tracks the live sessions of one transport.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]func()
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]func())}
}

// Add records a session and the function that ends it. It refuses new
// sessions once draining. A session already registered under key is ended.
func (r *Registry) Add(key string, end func()) bool {
	if r.draining.Load() {
		return false
	}
	r.mu.Lock()
	old := r.sessions[key]
	r.sessions[key] = end
	r.mu.Unlock()
	if old != nil {
		old()
	}
	return true
}

func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// End removes the session under key and ends it.
func (r *Registry) End(key string) bool {
	r.mu.Lock()
	end, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok && end != nil {
		end()
	}
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Drain() { r.draining.Store(true) }

func (r *Registry) Draining() bool { return r.draining.Load() }

// CloseAll ends every session and empties the registry.
func (r *Registry) CloseAll() {
	r.draining.Store(true)
	r.mu.Lock()
	ends := make([]func(), 0, len(r.sessions))
	for _, end := range r.sessions {
		ends = append(ends, end)
	}
	r.sessions = make(map[string]func())
	r.mu.Unlock()
	for _, end := range ends {
		end()
	}
}
