// Package registry tracks live calls in one supervising concurrent map so
// the media layer can look a call up by session id. Entries hold no
// provider-SDK references and are removed exactly once on termination.
package registry

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Entry struct {
	SessionID       snowflake.ID
	ProviderCallSID string
	StartedAt       time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[snowflake.ID]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[snowflake.ID]Entry)}
}

func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.SessionID] = e
}

func (r *Registry) Get(sessionID snowflake.ID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// Remove drops the entry and reports whether it was present, so callers can
// tell the first removal from a repeat.
func (r *Registry) Remove(sessionID snowflake.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
