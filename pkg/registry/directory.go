package registry

import (
	"encoding/json"
	"maps"
	"net/http"
	"sync"
)

// Directory holds the last node set reported by WatchNodes and serves it
// as JSON.
type Directory struct {
	mu    sync.RWMutex
	nodes map[string]string
}

func NewDirectory() *Directory {
	return &Directory{nodes: map[string]string{}}
}

// Set replaces the node set. Its signature matches WatchNodes' callback.
func (d *Directory) Set(nodes map[string]string) {
	d.mu.Lock()
	d.nodes = maps.Clone(nodes)
	d.mu.Unlock()
}

func (d *Directory) Nodes() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.nodes)
}

func (d *Directory) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	data, _ := json.Marshal(d.Nodes())
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
