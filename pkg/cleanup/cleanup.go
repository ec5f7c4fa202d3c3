// Package cleanup tracks live subscriptions, watchers and timers so they can
// be released together on teardown.
package cleanup

import (
	"sort"
	"sync"
)

// Registry holds release functions keyed by insertion order.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]entry
	flushed bool
}

type entry struct {
	name string
	fn   func()
}

// Handle releases a single registered resource.
type Handle struct {
	r  *Registry
	id uint64
}

// New creates an empty registry
func New() *Registry {
	return &Registry{entries: make(map[uint64]entry)}
}

// Add registers fn under name. Adding to a flushed registry runs fn
// immediately and returns an inert handle.
func (r *Registry) Add(name string, fn func()) Handle {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		fn()
		return Handle{}
	}
	r.next++
	id := r.next
	r.entries[id] = entry{name: name, fn: fn}
	r.mu.Unlock()
	return Handle{r: r, id: id}
}

// Release runs the handle's function once and forgets it.
func (h Handle) Release() {
	if h.r == nil {
		return
	}
	h.r.mu.Lock()
	e, ok := h.r.entries[h.id]
	delete(h.r.entries, h.id)
	h.r.mu.Unlock()
	if ok {
		e.fn()
	}
}

// Len returns the number of live entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Names returns the names of live entries in registration order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.sortedIDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = r.entries[id].name
	}
	return names
}

// Flush releases every entry, newest first. Later calls are no-ops and any
// subsequent Add runs immediately.
func (r *Registry) Flush() {
	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		return
	}
	r.flushed = true
	ids := r.sortedIDs()
	fns := make([]func(), 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		fns = append(fns, r.entries[ids[i]].fn)
	}
	r.entries = make(map[uint64]entry)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (r *Registry) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
