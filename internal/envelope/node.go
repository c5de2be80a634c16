package envelope

import (
	"sync"

	"github.com/xbus/xbus/internal/recipient"
)

// Kind distinguishes a worker node from a consumer node.
type Kind int

const (
	// KindWorker nodes have one client and an ordered child list.
	KindWorker Kind = iota
	// KindConsumer nodes are terminal and replicated across N clients.
	KindConsumer
)

// Node is one position in an event's graph. The sent counter and
// trigger enforce per-edge ordering between a node and its children;
// done marks a consumer node as having acknowledged end_event.
type Node struct {
	ID      string
	Kind    Kind
	Trigger *Trigger

	mu   sync.Mutex
	sent int
	done bool

	// Worker fields.
	RoleID   string
	Client   recipient.Client
	Children []string

	// Consumer fields: one entry per active replica.
	RoleIDs []string
	Clients []recipient.Client
}

// NewWorkerNode constructs a worker node bound to a single client.
func NewWorkerNode(id, roleID string, client recipient.Client, children []string) *Node {
	return &Node{
		ID:       id,
		Kind:     KindWorker,
		Trigger:  NewTrigger(),
		RoleID:   roleID,
		Client:   client,
		Children: children,
	}
}

// NewConsumerNode constructs a consumer node bound to N replica clients.
func NewConsumerNode(id string, roleIDs []string, clients []recipient.Client) *Node {
	return &Node{
		ID:      id,
		Kind:    KindConsumer,
		Trigger: NewTrigger(),
		RoleIDs: roleIDs,
		Clients: clients,
	}
}

// Sent returns the number of items forwarded to children so far.
func (n *Node) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

// NextSent returns the current sent count and increments it, used as
// the forward_index handed to the next child call.
func (n *Node) NextSent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.sent
	n.sent++
	return v
}

// Done reports whether a consumer node has acknowledged end_event.
func (n *Node) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// SetDone marks a consumer node done.
func (n *Node) SetDone() {
	n.mu.Lock()
	n.done = true
	n.mu.Unlock()
}

// Event is the runtime DAG of nodes for one event instance.
type Event struct {
	EnvelopeID string
	EventID    string
	TypeID     string
	TypeName   string
	Nodes      map[string]*Node
	Start      []string
}
