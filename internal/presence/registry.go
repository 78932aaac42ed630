// Package presence owns the relay's shared in-memory state: which users are
// connected and which room each is viewing. Both maps are guarded by their
// own mutex and are never handed out raw; callers work through the methods
// so every read-modify-write stays atomic.
package presence

import (
	"sync"

	"github.com/gordoly/E2EEApp/internal/wire"
)

// Conn is the live transport handle of one connected user, valid only for
// the lifetime of that connection.
type Conn interface {
	Send(frame wire.Frame) error
}

// Registry maps a user identity to its live connection handle. It is the
// single source of truth for who is online. At most one handle per identity:
// a second register for the same user replaces the first (last connect wins).
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds conn to username, replacing any existing handle, and
// returns the online snapshot taken under the same lock. Snapshot order is
// registration order, so it is stable within a process run.
func (r *Registry) Register(username string, conn Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[username]; !ok {
		r.order = append(r.order, username)
	}
	r.conns[username] = conn
	return r.snapshotLocked()
}

// Unregister removes username and returns the resulting snapshot plus
// whether the user was registered at all. Absent users are a no-op.
func (r *Registry) Unregister(username string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[username]; !ok {
		return r.snapshotLocked(), false
	}
	delete(r.conns, username)
	for i, name := range r.order {
		if name == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return r.snapshotLocked(), true
}

// Lookup returns the live handle for username, if any.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[username]
	return conn, ok
}

// Online returns a point-in-time list of connected identities.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
