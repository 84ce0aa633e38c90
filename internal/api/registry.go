package api

import (
	"sort"
	"sync"

	"ezvizplug/internal/plug"
)

// Registry holds the switch entities served by the API. It is the sink
// handed to plug.Setup.
type Registry struct {
	mu       sync.RWMutex
	switches map[string]*plug.Switch
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{switches: make(map[string]*plug.Switch)}
}

// AddEntities registers switches, replacing any with the same id
func (r *Registry) AddEntities(switches []*plug.Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sw := range switches {
		r.switches[sw.UniqueID()] = sw
	}
}

// Get returns the switch with the given id
func (r *Registry) Get(id string) (*plug.Switch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw, ok := r.switches[id]
	return sw, ok
}

// All returns every switch sorted by id
func (r *Registry) All() []*plug.Switch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switches := make([]*plug.Switch, 0, len(r.switches))
	for _, sw := range r.switches {
		switches = append(switches, sw)
	}
	sort.Slice(switches, func(i, j int) bool {
		return switches[i].UniqueID() < switches[j].UniqueID()
	})
	return switches
}
