// Package metadata implements the static configuration store: roles,
// event types, per-service consumer role sets and the per-event-type
// node graph. Emitters and services are not stored as records of their
// own; a service appears only as the service id on roles, node rows and
// consumer role sets. It
// stands in for an external relational store, provisioned here from
// YAML configuration and persisted to an embedded BadgerDB so graph
// materialization can be exercised against a real store.
package metadata

// Role is one login-bound recipient identity.
type Role struct {
	ID           string `json:"id"`
	Login        string `json:"login"`
	PasswordHash string `json:"password_hash"`
	ServiceID    string `json:"service_id"`
}

// NodeRow is one row of the node-graph table for an event type.
type NodeRow struct {
	NodeID    string   `json:"node_id"`
	ServiceID string   `json:"service_id"`
	IsStart   bool     `json:"is_start"`
	ChildIDs  []string `json:"child_ids"`
}

// Store is the metadata store contract.
type Store interface {
	// Role looks up a role by login, for the login verb.
	Role(login string) (Role, bool, error)
	// EventTypeID resolves a type name to its id.
	EventTypeID(name string) (string, bool, error)
	// NodeGraph answers "for event type T, return all nodes with
	// service id, start flag, and child ids", start nodes first.
	NodeGraph(typeID string) ([]NodeRow, error)
	// ConsumerRoles answers "for every consumer service, return its
	// role ids" — all roles configured for the service, whether or
	// not currently ready.
	ConsumerRoles(serviceID string) ([]string, error)

	// Provisioning, used at startup/config load time and by tests.
	PutRole(r Role) error
	PutEventType(name, id string) error
	PutNodeGraph(typeID string, rows []NodeRow) error
	PutConsumerRoles(serviceID string, roleIDs []string) error

	Close() error
}
