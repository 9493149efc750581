package engine

import "github.com/fallen-shinigami/VRCX-sub000/internal/effect"

// lookupTracker remembers user lookups that are still in flight so a busy
// instance doesn't ask the resolver for the same user repeatedly.
//
// Entries are scoped to a session generation. A new session drops every
// pending key; results from the old generation are discarded anyway.
//
// Owned by the loop goroutine; not safe for concurrent use.
type lookupTracker struct {
	gen     uint64
	pending map[string]bool
}

func newLookupTracker() *lookupTracker {
	return &lookupTracker{pending: make(map[string]bool)}
}

// lookupKey identifies a user request. Id lookups and name lookups are
// tracked separately.
func lookupKey(req effect.ResolveUser) string {
	if req.UserID != "" {
		return "id:" + req.UserID
	}
	return "name:" + req.DisplayName
}

// Begin reports whether a lookup for key should start in generation gen,
// and marks it pending if so.
func (t *lookupTracker) Begin(gen uint64, key string) bool {
	if gen != t.gen {
		t.Reset(gen)
	}
	if t.pending[key] {
		return false
	}
	t.pending[key] = true
	return true
}

// Done clears key once its result arrived.
func (t *lookupTracker) Done(gen uint64, key string) {
	if gen != t.gen {
		return
	}
	delete(t.pending, key)
}

// Reset forgets every pending lookup and moves to generation gen.
func (t *lookupTracker) Reset(gen uint64) {
	t.gen = gen
	clear(t.pending)
}

// Pending returns the number of lookups in flight for the current generation.
func (t *lookupTracker) Pending() int {
	return len(t.pending)
}
