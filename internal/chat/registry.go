package chat

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connection IDs to their workers. The listener inserts, the
// reaper removes and iterates; all access goes through mu.
type Registry struct {
	mu      sync.RWMutex
	workers map[ConnID]*Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[ConnID]*Worker)}
}

// Insert adds w under w.ID(). An existing entry is never replaced.
func (r *Registry) Insert(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID()]; exists {
		return fmt.Errorf("insert %s: %w", w.ID(), ErrDuplicateID)
	}
	r.workers[w.ID()] = w
	ConnectedClients.Set(float64(len(r.workers)))
	return nil
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	ConnectedClients.Set(float64(len(r.workers)))
	return true
}

func (r *Registry) Get(id ConnID) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot returns the current workers ordered by ID. The slice is a copy;
// entries may be removed from the registry while the caller walks it.
func (r *Registry) Snapshot() []*Worker {
	r.mu.RLock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
