package topology

import "sync"

// Manager holds the neighbor graph used for gossip. The graph is installed
// once and used verbatim afterwards: nothing is inferred or pruned.
type Manager struct {
	mu        sync.RWMutex
	installed bool
	neighbors map[string][]string
}

func New() *Manager {
	return &Manager{neighbors: make(map[string][]string)}
}

// Install stores t if no topology has been installed yet and reports
// whether it did. Neighbor lists keep their order with duplicates removed.
func (m *Manager) Install(t map[string][]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return false
	}
	for id, ns := range t {
		m.neighbors[id] = dedup(ns)
	}
	m.installed = true
	return true
}

func (m *Manager) Installed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.installed
}

// NeighborsOf returns a copy of the neighbors of id, empty when id is not
// part of the installed topology.
func (m *Manager) NeighborsOf(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.neighbors[id]...)
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
