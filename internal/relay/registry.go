package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the set of live connections. Only the Server that owns it adds
// and removes entries. Broadcast iterates under the read lock and add/remove
// take the write lock, so a frame is never queued on a connection that is
// mid-teardown.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]*Connection)}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

// remove deletes id and reports whether it was present.
func (r *Registry) remove(id uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns a snapshot of the registered connection identities.
func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// broadcast queues f on every live connection except the sender. It returns
// how many connections accepted the frame, plus the ones whose queue was
// full; the caller closes those outside the lock.
func (r *Registry) broadcast(from uuid.UUID, f frame) (delivered int, overflowed []*Connection) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.conns {
		if id == from || !c.Live() {
			continue
		}
		if c.enqueue(f) {
			delivered++
		} else {
			overflowed = append(overflowed, c)
		}
	}
	return delivered, overflowed
}

// drain removes and returns every connection.
func (r *Registry) drain() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		all = append(all, c)
		delete(r.conns, id)
	}
	return all
}
