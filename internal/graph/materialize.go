// Package graph turns the metadata store's per-event-type node-graph
// rows into a live event graph of worker and consumer nodes bound to
// registered recipient clients.
package graph

import (
	"fmt"

	"github.com/xbus/xbus/internal/envelope"
	"github.com/xbus/xbus/internal/metadata"
	"github.com/xbus/xbus/internal/recipient"
	"github.com/xbus/xbus/internal/registry"
)

// Result is the outcome of materializing one event type's graph.
type Result struct {
	Nodes []*envelope.Node
	Start []string
}

// Materialize builds the node graph for typeID. It returns ok=false and
// the offending service id when a required worker service has no ready
// roles.
func Materialize(typeID string, meta metadata.Store, reg *registry.Registry) (Result, bool, string, error) {
	rows, err := meta.NodeGraph(typeID)
	if err != nil {
		return Result{}, false, "", err
	}

	var res Result
	for _, row := range rows {
		if len(row.ChildIDs) > 0 {
			n, ok, err := materializeWorker(row, reg)
			if err != nil {
				return Result{}, false, "", err
			}
			if !ok {
				return Result{}, false, row.ServiceID, nil
			}
			res.Nodes = append(res.Nodes, n)
		} else {
			n, ok, err := materializeConsumer(row, meta, reg)
			if err != nil {
				return Result{}, false, "", err
			}
			if !ok {
				return Result{}, false, row.ServiceID, nil
			}
			res.Nodes = append(res.Nodes, n)
		}
		if row.IsStart {
			res.Start = append(res.Start, row.NodeID)
		}
	}
	return res, true, "", nil
}

func materializeWorker(row metadata.NodeRow, reg *registry.Registry) (*envelope.Node, bool, error) {
	ready := reg.ReadyRoles(row.ServiceID)
	if len(ready) == 0 {
		return nil, false, nil
	}
	roleID := ready[0]
	client, ok := reg.Client(roleID)
	if !ok {
		return nil, false, fmt.Errorf("role %s marked ready but has no registered client", roleID)
	}
	return envelope.NewWorkerNode(row.NodeID, roleID, client, row.ChildIDs), true, nil
}

func materializeConsumer(row metadata.NodeRow, meta metadata.Store, reg *registry.Registry) (*envelope.Node, bool, error) {
	ready := reg.ReadyRoles(row.ServiceID)
	// Unlike a worker service, an empty ready set here is not fatal: the
	// consumer node is built with no clients and fanOut treats zero
	// replicas as vacuous success.
	clients := make([]recipient.Client, 0, len(ready))
	roleIDs := make([]string, 0, len(ready))
	for _, roleID := range ready {
		client, ok := reg.Client(roleID)
		if !ok {
			return nil, false, fmt.Errorf("role %s marked ready but has no registered client", roleID)
		}
		clients = append(clients, client)
		roleIDs = append(roleIDs, roleID)
	}

	// Roles configured for the service but not currently ready are
	// recorded as inactive for this event; no further action is taken
	// on them.
	if all, err := meta.ConsumerRoles(row.ServiceID); err == nil {
		_ = inactiveRoles(all, roleIDs)
	}

	return envelope.NewConsumerNode(row.NodeID, roleIDs, clients), true, nil
}

func inactiveRoles(configured, ready []string) []string {
	readySet := make(map[string]struct{}, len(ready))
	for _, r := range ready {
		readySet[r] = struct{}{}
	}
	var inactive []string
	for _, r := range configured {
		if _, ok := readySet[r]; !ok {
			inactive = append(inactive, r)
		}
	}
	return inactive
}
