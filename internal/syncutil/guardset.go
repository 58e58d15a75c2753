package syncutil

import "sync"

// GuardSet is an in-memory set of keys currently being worked on.
// TryAcquire fails while another caller holds the same key, so concurrent
// duplicates of one operation collapse into a single execution.
type GuardSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewGuardSet creates an empty guard set.
func NewGuardSet() *GuardSet {
	return &GuardSet{keys: make(map[string]struct{})}
}

// TryAcquire claims key. It returns a release func and true on success,
// or nil and false when the key is already held.
func (g *GuardSet) TryAcquire(key string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.keys[key]; busy {
		return nil, false
	}
	g.keys[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.keys, key)
			g.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently claimed.
func (g *GuardSet) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok
}

// Len is the number of held keys.
func (g *GuardSet) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}
