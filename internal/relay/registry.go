package relay

import (
	"sync"

	"oracle-gateway/internal/metrics"
)

// Registry tracks per-client pair subscriptions and the aggregate desired
// set via reference counting, so multiple clients watching the same pair
// share one upstream subscription. All mutations are atomic with respect to
// the aggregate recomputation: no reader ever observes a half-updated union.
type Registry struct {
	mu sync.RWMutex

	// clients maps session id -> that client's pair set.
	clients map[string]map[string]struct{}

	// refs maps pair -> number of clients subscribed to it. A pair is
	// desired upstream iff its refcount is positive.
	refs map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]map[string]struct{}),
		refs:    make(map[string]int),
	}
}

// AddClient creates an empty subscription entry for a new session.
// Re-adding an existing id is a no-op.
func (r *Registry) AddClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; ok {
		return
	}
	r.clients[id] = make(map[string]struct{})
}

// RemoveClient drops a session and returns the pairs that became orphaned
// (no longer desired by any remaining client). Removing an unknown id is a
// no-op returning nil, so cleanup tolerates being invoked twice.
func (r *Registry) RemoveClient(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs, ok := r.clients[id]
	if !ok {
		return nil
	}
	delete(r.clients, id)

	var orphaned []string
	for pair := range pairs {
		if r.release(pair) {
			orphaned = append(orphaned, pair)
		}
	}

	metrics.ActivePairs.Set(float64(len(r.refs)))
	return orphaned
}

// Subscribe unions pairs into the client's set and returns the subset that
// is newly desired globally (was covered by no one before). ok is false when
// the session id is unknown, i.e. already evicted.
func (r *Registry) Subscribe(id string, pairs []string) (added []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[id]
	if !ok {
		return nil, false
	}

	for _, pair := range pairs {
		if _, dup := set[pair]; dup {
			continue
		}
		set[pair] = struct{}{}
		r.refs[pair]++
		if r.refs[pair] == 1 {
			added = append(added, pair)
		}
	}

	metrics.ActivePairs.Set(float64(len(r.refs)))
	return added, true
}

// Unsubscribe removes pairs from the client's set and returns the subset
// that became fully orphaned.
func (r *Registry) Unsubscribe(id string, pairs []string) (orphaned []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[id]
	if !ok {
		return nil, false
	}

	for _, pair := range pairs {
		if _, held := set[pair]; !held {
			continue
		}
		delete(set, pair)
		if r.release(pair) {
			orphaned = append(orphaned, pair)
		}
	}

	metrics.ActivePairs.Set(float64(len(r.refs)))
	return orphaned, true
}

// release decrements a pair's refcount and reports whether it orphaned the
// pair. Callers hold r.mu.
func (r *Registry) release(pair string) bool {
	count, ok := r.refs[pair]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(r.refs, pair)
		return true
	}
	r.refs[pair] = count - 1
	return false
}

// Desired returns a snapshot of the aggregate desired set, the full pair
// list every upstream control frame must carry.
func (r *Registry) Desired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make([]string, 0, len(r.refs))
	for pair := range r.refs {
		pairs = append(pairs, pair)
	}
	return pairs
}

// DesiredCount returns the size of the aggregate desired set.
func (r *Registry) DesiredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// ClientCount returns the number of registered sessions.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ClientPairs returns a snapshot of one client's subscriptions. Delivery
// filtering reads this snapshot instead of holding the registry lock across
// a network write.
func (r *Registry) ClientPairs(id string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.clients[id]
	if !ok {
		return nil
	}
	snapshot := make(map[string]struct{}, len(set))
	for pair := range set {
		snapshot[pair] = struct{}{}
	}
	return snapshot
}
