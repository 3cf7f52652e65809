package server

import "sync"

// Sender is the outbound half of a live connection as the registry sees it.
// Send enqueues one encoded line and reports whether it was accepted; Close
// tears the connection down.
type Sender interface {
	Send(line []byte) bool
	Close() error
}

// Registry maps authenticated identities to their live connections. Both
// directions (username to user id, user id to sender) live under one mutex
// so they cannot drift apart. At most one entry exists per user id.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int64),
		byID:   make(map[int64]Sender),
	}
}

// Bind registers a connection for the given identity. When the user already
// has a live entry, the new connection wins and the superseded sender is
// returned so the caller can close it.
func (r *Registry) Bind(userID int64, username string, s Sender) (evicted Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[userID]; ok && prev != s {
		evicted = prev
	}
	r.byName[username] = userID
	r.byID[userID] = s
	return evicted
}

// Unbind removes the identity's entry, but only while it still points at s.
// A connection superseded by a newer login must not clobber the newer entry
// during its own teardown.
func (r *Registry) Unbind(userID int64, username string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[userID]; !ok || cur != s {
		return
	}
	delete(r.byID, userID)
	delete(r.byName, username)
}

// Lookup returns the live sender for a user id, if any.
func (r *Registry) Lookup(userID int64) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[userID]
	return s, ok
}

// Online reports whether the user currently has a live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byID[userID]
	return ok
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
