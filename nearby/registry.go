package nearby

import (
	"sort"
	"sync"

	"helphub/models"
)

// Registry tracks which endpoints are visible and which are connected.
// The two sets are independent: a connected endpoint may drop out of
// discovery and stay connected.
type Registry struct {
	mu         sync.RWMutex
	discovered map[string]models.Endpoint
	connected  map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		discovered: make(map[string]models.Endpoint),
		connected:  make(map[string]struct{}),
	}
}

// UpsertDiscovered stores endpoint and reports whether its (id, name) pair
// was unseen. A new name for a known id replaces the entry and reports true.
func (r *Registry) UpsertDiscovered(endpoint models.Endpoint) bool {
	if endpoint.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.discovered[endpoint.ID]; ok && existing.Name == endpoint.Name {
		return false
	}
	r.discovered[endpoint.ID] = endpoint
	return true
}

// RemoveDiscovered drops endpointID from the discovered set and reports
// whether it was present. Connection membership is not touched.
func (r *Registry) RemoveDiscovered(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.discovered[endpointID]; !ok {
		return false
	}
	delete(r.discovered, endpointID)
	return true
}

// MarkConnected adds endpointID to the connected set.
func (r *Registry) MarkConnected(endpointID string) {
	if endpointID == "" {
		return
	}
	r.mu.Lock()
	r.connected[endpointID] = struct{}{}
	r.mu.Unlock()
}

// MarkDisconnected removes endpointID from the connected set.
func (r *Registry) MarkDisconnected(endpointID string) {
	r.mu.Lock()
	delete(r.connected, endpointID)
	r.mu.Unlock()
}

// IsConnected reports connected-set membership.
func (r *Registry) IsConnected(endpointID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connected[endpointID]
	return ok
}

// Lookup returns the discovered endpoint for endpointID.
func (r *Registry) Lookup(endpointID string) (models.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.discovered[endpointID]
	return endpoint, ok
}

// Discovered returns a snapshot of visible endpoints ordered by name, then id.
func (r *Registry) Discovered() []models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Endpoint, 0, len(r.discovered))
	for _, endpoint := range r.discovered {
		out = append(out, endpoint)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Connected returns the sorted ids of connected endpoints.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.connected))
	for id := range r.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset empties both sets.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.discovered = make(map[string]models.Endpoint)
	r.connected = make(map[string]struct{})
	r.mu.Unlock()
}
