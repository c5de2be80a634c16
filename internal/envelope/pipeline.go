package envelope

import (
	"context"
	"sync"
	"time"

	"github.com/xbus/xbus/internal/recipient"
)

// Dispatch runs the kind-appropriate start_event pipeline for a
// starting node, used both by start_event and recursively by a
// worker's own pipeline when fanning out to its children.
func Dispatch(ctx context.Context, env *Envelope, ev *Event, n *Node) {
	if n.Kind == KindWorker {
		go WorkerStartEvent(ctx, env, ev, n)
	} else {
		go ConsumerStartEvent(ctx, env, ev, n)
	}
}

// DispatchSendItem runs the kind-appropriate send_item pipeline.
func DispatchSendItem(ctx context.Context, env *Envelope, ev *Event, n *Node, indices []int, data []byte, forwardIndex int) {
	if n.Kind == KindWorker {
		go WorkerSendItem(ctx, env, ev, n, indices, data, forwardIndex)
	} else {
		go ConsumerSendItem(ctx, env, ev, n, indices, data, forwardIndex)
	}
}

// DispatchEndEvent runs the kind-appropriate end_event pipeline.
func DispatchEndEvent(ctx context.Context, env *Envelope, ev *Event, n *Node, nbItems int) {
	if n.Kind == KindWorker {
		go WorkerEndEvent(ctx, env, ev, n, nbItems)
	} else {
		go ConsumerEndEvent(ctx, env, ev, n, nbItems)
	}
}

// WorkerStartEvent is the worker pipeline's start_event step (spec
// §4.2.1). On success it fans start_event out to every child and
// advances the node's trigger — start has no index semantics, it is
// unordered.
func WorkerStartEvent(ctx context.Context, env *Envelope, ev *Event, n *Node) bool {
	if env.Stopped() {
		return false
	}
	ok := env.Watchdog(ctx, env.Timeouts.StartEvent, func(c context.Context) (bool, error) {
		return n.Client.StartEvent(c, env.ID, ev.EventID, ev.TypeName)
	})
	if !ok {
		return false
	}
	for _, childID := range n.Children {
		if child, found := ev.Nodes[childID]; found {
			Dispatch(ctx, env, ev, child)
		}
	}
	n.Trigger.Advance()
	return true
}

type replyPair struct {
	indices []int
	data    []byte
}

// WorkerSendItem is the worker pipeline's send_item step. It waits for
// the parent's forwardIndex-th completion on this node, calls the
// recipient, then fans each (indices, data) reply out to every child
// using the node's own monotone sent counter as the child's
// forward_index.
func WorkerSendItem(ctx context.Context, env *Envelope, ev *Event, n *Node, indices []int, data []byte, forwardIndex int) {
	if !n.Trigger.Wait(forwardIndex) {
		return
	}
	if env.Stopped() {
		return
	}

	var replies []replyPair
	ok := env.Watchdog(ctx, env.Timeouts.SendItem, func(c context.Context) (bool, error) {
		out, err := n.Client.SendItem(c, env.ID, ev.EventID, indices, data)
		if err != nil {
			return false, err
		}
		for _, r := range out {
			replies = append(replies, replyPair{indices: r.Indices, data: r.Data})
		}
		return true, nil
	})
	if !ok {
		return
	}

	for _, r := range replies {
		fi := n.NextSent()
		for _, childID := range n.Children {
			if child, found := ev.Nodes[childID]; found {
				DispatchSendItem(ctx, env, ev, child, r.indices, r.data, fi)
			}
		}
	}
	n.Trigger.Advance()
}

// WorkerEndEvent is the worker pipeline's end_event step: it waits
// until every item the parent ever produced has been consumed, then
// propagates end_event to children using this node's own sent count as
// the child's total item count.
func WorkerEndEvent(ctx context.Context, env *Envelope, ev *Event, n *Node, nbItems int) {
	if !n.Trigger.Wait(nbItems) {
		return
	}
	if env.Stopped() {
		return
	}
	ok := env.Watchdog(ctx, env.Timeouts.EndEvent, func(c context.Context) (bool, error) {
		return n.Client.EndEvent(c, env.ID, ev.EventID)
	})
	if !ok {
		return
	}
	childCount := n.Sent()
	for _, childID := range n.Children {
		if child, found := ev.Nodes[childID]; found {
			DispatchEndEvent(ctx, env, ev, child, childCount)
		}
	}
}

// WorkerEndEnvelope calls end_envelope on the worker's recipient;
// children are not walked here, fan-out for end-of-envelope is handled
// in bulk by the barrier.
func WorkerEndEnvelope(ctx context.Context, env *Envelope, n *Node) bool {
	if env.Stopped() {
		return false
	}
	return env.Watchdog(ctx, env.Timeouts.EndEnvelope, func(c context.Context) (bool, error) {
		return n.Client.EndEnvelope(c, env.ID)
	})
}

// ConsumerStartEvent fans start_event out to all replicas in parallel;
// it succeeds iff every replica succeeds.
func ConsumerStartEvent(ctx context.Context, env *Envelope, ev *Event, n *Node) bool {
	if env.Stopped() {
		return false
	}
	ok := fanOut(ctx, env, n, env.Timeouts.StartEvent, func(c context.Context, r recipient.Client) (bool, error) {
		return r.StartEvent(c, env.ID, ev.EventID, ev.TypeName)
	})
	if ok {
		n.Trigger.Advance()
	}
	return ok
}

// ConsumerSendItem applies the same trigger discipline as a worker,
// then fans send_item out to every replica in parallel.
func ConsumerSendItem(ctx context.Context, env *Envelope, ev *Event, n *Node, indices []int, data []byte, forwardIndex int) {
	if !n.Trigger.Wait(forwardIndex) {
		return
	}
	if env.Stopped() {
		return
	}
	ok := fanOut(ctx, env, n, env.Timeouts.SendItem, func(c context.Context, r recipient.Client) (bool, error) {
		_, err := r.SendItem(c, env.ID, ev.EventID, indices, data)
		return err == nil, err
	})
	if ok {
		n.Trigger.Advance()
	}
}

// ConsumerEndEvent waits for every item, fans end_event out to all
// replicas, and on all-success marks the node done and signals the
// envelope-level trigger so the end-of-envelope barrier re-checks.
func ConsumerEndEvent(ctx context.Context, env *Envelope, ev *Event, n *Node, nbItems int) {
	if !n.Trigger.Wait(nbItems) {
		return
	}
	if env.Stopped() {
		return
	}
	ok := fanOut(ctx, env, n, env.Timeouts.EndEvent, func(c context.Context, r recipient.Client) (bool, error) {
		return r.EndEvent(c, env.ID, ev.EventID)
	})
	if ok {
		n.SetDone()
		env.trigger.Advance()
	}
}

// ConsumerEndEnvelope fans end_envelope out to all replicas and
// succeeds iff every replica succeeds.
func ConsumerEndEnvelope(ctx context.Context, env *Envelope, n *Node) bool {
	if env.Stopped() {
		return false
	}
	return fanOut(ctx, env, n, env.Timeouts.EndEnvelope, func(c context.Context, r recipient.Client) (bool, error) {
		return r.EndEnvelope(c, env.ID)
	})
}

// fanOut runs call against every one of the node's replica clients in
// parallel under one watchdog, succeeding only if every replica
// succeeds — the N-way analogue of Envelope.Watchdog for consumer
// nodes.
func fanOut(parent context.Context, env *Envelope, n *Node, timeout time.Duration, call func(ctx context.Context, c recipient.Client) (bool, error)) bool {
	return env.Watchdog(parent, timeout, func(ctx context.Context) (bool, error) {
		var wg sync.WaitGroup
		results := make([]bool, len(n.Clients))
		errs := make([]error, len(n.Clients))
		for i, c := range n.Clients {
			i, c := i, c
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = call(ctx, c)
			}()
		}
		wg.Wait()
		for i, ok := range results {
			if !ok || errs[i] != nil {
				return false, errs[i]
			}
		}
		return true, nil
	})
}
