package admit

import "sync"

// Registry owns one Gate per user identity, created lazily on first sight of
// the user. Insert-if-absent runs under a mutex so two racing first requests
// from the same identity can never observe two different Gates — that would
// double the user's effective capacity for the race window. Gates are never
// destroyed; they live for the process lifetime.
type Registry struct {
	capacity int64

	mu    sync.Mutex
	gates map[int64]*Gate
}

// NewRegistry creates a registry whose Gates admit capacity concurrent
// callers each.
func NewRegistry(capacity int64) *Registry {
	return &Registry{
		capacity: capacity,
		gates:    make(map[int64]*Gate),
	}
}

// Gate returns the identity's Gate, creating it on first access.
func (r *Registry) Gate(identity int64) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gates[identity]
	if !ok {
		g = NewGate(r.capacity)
		r.gates[identity] = g
	}
	return g
}

// Len returns the number of gates created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// InFlight returns the total number of admitted callers across all gates.
func (r *Registry) InFlight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, g := range r.gates {
		total += g.InFlight()
	}
	return total
}
