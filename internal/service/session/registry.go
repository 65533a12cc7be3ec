package session

import (
	"sort"
	"sync"
)

// Registry tracks live controllers by session id for the read-only views.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Controller)}
}

// Add registers c, replacing any controller with the same id.
func (r *Registry) Add(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c.ID()] = c
}

func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	return c, ok
}

// Remove unregisters id. It does not stop the controller.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the registered controllers ordered by id.
func (r *Registry) List() []*Controller {
	r.mu.RLock()
	out := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StopAll stops every registered controller. Used on shutdown.
func (r *Registry) StopAll() {
	for _, c := range r.List() {
		c.Stop()
	}
}
