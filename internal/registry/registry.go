// Package registry implements the process-wide recipient registry:
// role id to recipient client, and service id to the set of role ids
// currently marked ready. Both maps share a single coarser lock rather
// than one mutex per map.
package registry

import (
	"sort"
	"sync"

	"github.com/xbus/xbus/internal/recipient"
)

// Registry is the process-wide recipient registry owned by one
// orchestrator.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]recipient.Client    // role id -> client
	ready   map[string]map[string]struct{} // service id -> ready role ids
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]recipient.Client),
		ready:   make(map[string]map[string]struct{}),
	}
}

// RegisterClient stores c under roleID, closing and replacing any prior
// client for the same role.
func (r *Registry) RegisterClient(roleID string, c recipient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[roleID]; ok && old != nil {
		old.Close()
	}
	r.clients[roleID] = c
}

// Client returns the recipient client registered for roleID.
func (r *Registry) Client(roleID string) (recipient.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[roleID]
	return c, ok
}

// MarkReady adds roleID to serviceID's ready set. The caller must have
// already registered a client for roleID via register_node.
func (r *Registry) MarkReady(serviceID, roleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.ready[serviceID]
	if !ok {
		set = make(map[string]struct{})
		r.ready[serviceID] = set
	}
	set[roleID] = struct{}{}
}

// ReadyRoles returns the role ids currently marked ready for
// serviceID, in a deterministic (sorted) order so graph materialization
// picks the same role for a given row within one call.
func (r *Registry) ReadyRoles(serviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.ready[serviceID]
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(set))
	for roleID := range set {
		roles = append(roles, roleID)
	}
	sort.Strings(roles)
	return roles
}

// RemoveRole removes roleID from serviceID's ready set and from the
// client registry, used by logout.
func (r *Registry) RemoveRole(serviceID, roleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.ready[serviceID]; ok {
		delete(set, roleID)
	}
	delete(r.clients, roleID)
}
