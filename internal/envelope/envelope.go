// Package envelope implements the transactional envelope/event/node
// model and the per-node worker/consumer pipelines that drive an
// event's graph to completion. An envelope owns a map of events, the
// completion barrier, the stop flag, and the set of in-flight outbound
// RPC tasks every call is registered into so stop_envelope can cancel
// them.
package envelope

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/xbus/xbus/internal/statelog"
)

// Timeouts holds the four per-phase watchdog durations.
type Timeouts struct {
	StartEvent  time.Duration
	SendItem    time.Duration
	EndEvent    time.Duration
	EndEnvelope time.Duration
}

// Envelope is the transactional unit: one map of events, one
// completion trigger re-armed on every consumer completion, one
// monotone stop flag, and the set of in-flight outbound tasks.
type Envelope struct {
	ID string

	mu      sync.Mutex
	events  map[string]*Event
	stopped bool
	tasks   map[uint64]context.CancelFunc
	nextTID uint64

	// trigger is the envelope-level barrier signal: every consumer
	// completion advances it so the end-of-envelope loop can re-check.
	trigger *Trigger

	Timeouts Timeouts
	StateLog statelog.Store
	Debug    bool
}

// New constructs an empty envelope, persisting the initial emit state.
func New(id string, timeouts Timeouts, log statelog.Store, debug bool) *Envelope {
	e := &Envelope{
		ID:       id,
		events:   make(map[string]*Event),
		tasks:    make(map[uint64]context.CancelFunc),
		trigger:  NewTrigger(),
		Timeouts: timeouts,
		StateLog: log,
		Debug:    debug,
	}
	if e.StateLog != nil {
		_ = e.StateLog.SetEnvelopeState(id, statelog.StateEmit)
	}
	return e
}

// Event returns the event registered under id.
func (e *Envelope) Event(id string) (*Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	return ev, ok
}

// HasEvent reports whether id is already present, used by start_event's
// duplicate check.
func (e *Envelope) HasEvent(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.events[id]
	return ok
}

// PutEvent registers a newly materialized event.
func (e *Envelope) PutEvent(ev *Event) {
	e.mu.Lock()
	e.events[ev.EventID] = ev
	e.mu.Unlock()
}

// Stopped reports the envelope's monotone stop flag.
func (e *Envelope) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Envelope) registerTask(cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextTID
	e.nextTID++
	e.tasks[id] = cancel
	return id
}

func (e *Envelope) unregisterTask(id uint64) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

// allNodes returns every node across every event, split by kind.
func (e *Envelope) allNodes() (workers, consumers []*Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		for _, n := range ev.Nodes {
			if n.Kind == KindWorker {
				workers = append(workers, n)
			} else {
				consumers = append(consumers, n)
			}
		}
	}
	return
}

// Stop is stop_envelope: first call wins. It cancels
// every registered outbound task, persists state stop (or canc when
// cancelled is true, for the cancel_envelope verb), fails every node
// trigger so waiters wake and abandon, and dispatches stop_envelope to
// every recipient best-effort, without waiting. Idempotent: only the
// first call persists state or dispatches anything (spec testable
// property 7).
func (e *Envelope) Stop(cancelled bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancels := make([]context.CancelFunc, 0, len(e.tasks))
	for _, c := range e.tasks {
		cancels = append(cancels, c)
	}
	e.tasks = make(map[uint64]context.CancelFunc)
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	if e.StateLog != nil {
		state := statelog.StateStop
		if cancelled {
			state = statelog.StateCanc
		}
		if err := e.StateLog.SetEnvelopeState(e.ID, state); err != nil && e.Debug {
			log.Printf("envelope %s: persist %s: %v", e.ID, state, err)
		}
	}

	workers, consumers := e.allNodes()
	for _, n := range workers {
		n.Trigger.Fail()
		go n.Client.StopEnvelope(e.ID)
	}
	for _, n := range consumers {
		n.Trigger.Fail()
		for _, c := range n.Clients {
			go c.StopEnvelope(e.ID)
		}
	}
	e.trigger.Fail()
}

// Watchdog submits an outbound call as a cancellable task, registers it
// in the envelope's task set, and awaits it
// with the phase timeout. On timeout or recipient failure it schedules
// stop_envelope(false) and returns false.
func (e *Envelope) Watchdog(parent context.Context, timeout time.Duration, fn func(ctx context.Context) (bool, error)) bool {
	if e.Stopped() {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	tid := e.registerTask(cancel)
	defer e.unregisterTask(tid)
	defer cancel()

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = fn(ctx)
		close(done)
	}()

	select {
	case <-done:
		if err != nil || !ok {
			if e.Debug {
				log.Printf("envelope %s: recipient call failed: %v", e.ID, err)
			}
			e.Stop(false)
			return false
		}
		return true
	case <-ctx.Done():
		if e.Debug {
			log.Printf("envelope %s: recipient call timed out or cancelled", e.ID)
		}
		e.Stop(false)
		return false
	}
}
