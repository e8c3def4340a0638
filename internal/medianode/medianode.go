// Package medianode implements the media relay node registry: the set
// of configured RTP endpoints the invite orchestrator can hand a device
// to, selected by lowest outstanding stream count with a configured
// tie-break order.
package medianode

import "sync"

// Node is one configured media relay endpoint.
type Node struct {
	Name     string
	LocalIP  string
	LocalPort int
	PubIP    string
	PubPort  int
}

// Registry tracks configured nodes and each one's outstanding stream
// count, in the configured order (the tie-break order for selection).
type Registry struct {
	mu    sync.Mutex
	order []string
	nodes map[string]Node
	load  map[string]int
}

// New builds a registry from nodes, preserving their slice order as the
// tie-break order.
func New(nodes []Node) *Registry {
	r := &Registry{
		order: make([]string, 0, len(nodes)),
		nodes: make(map[string]Node, len(nodes)),
		load:  make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		r.order = append(r.order, n.Name)
		r.nodes[n.Name] = n
		r.load[n.Name] = 0
	}
	return r
}

// Select picks the node with the lowest outstanding stream count,
// configured order breaking ties, and reserves a slot on it. It
// returns false if no nodes are configured.
func (r *Registry) Select() (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return Node{}, false
	}
	best := r.order[0]
	for _, name := range r.order[1:] {
		if r.load[name] < r.load[best] {
			best = name
		}
	}
	r.load[best]++
	return r.nodes[best], true
}

// Release returns a reserved slot on name, as when a stream tears down.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.load[name] > 0 {
		r.load[name]--
	}
}

// Load returns the current outstanding stream count for name.
func (r *Registry) Load(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load[name]
}

// Get returns the configured node by name.
func (r *Registry) Get(name string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	return n, ok
}
