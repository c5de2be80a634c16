package envelope

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xbus/xbus/internal/recipient"
	"github.com/xbus/xbus/internal/statelog"
)

// fakeClient is an in-process stand-in for a recipient.Client, recording
// every call it receives and letting tests inject failures or delays.
type fakeClient struct {
	uri string

	mu          sync.Mutex
	started     []string
	items       [][]byte
	ended       []string
	envEnded    int
	envStopped  int
	failSend    bool
	failEnd     bool
	delay       time.Duration
	sendReplies []recipient.ItemReply
}

func newFakeClient(uri string) *fakeClient { return &fakeClient{uri: uri} }

func (f *fakeClient) StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.started = append(f.started, eventID)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeClient) SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]recipient.ItemReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return nil, context.DeadlineExceeded
	}
	f.items = append(f.items, data)
	if f.sendReplies != nil {
		return f.sendReplies, nil
	}
	return []recipient.ItemReply{{Indices: indices, Data: data}}, nil
}

func (f *fakeClient) EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnd {
		return false, nil
	}
	f.ended = append(f.ended, eventID)
	return true, nil
}

func (f *fakeClient) EndEnvelope(ctx context.Context, envelopeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envEnded++
	return true, nil
}

func (f *fakeClient) StopEnvelope(envelopeID string) {
	f.mu.Lock()
	f.envStopped++
	f.mu.Unlock()
}

func (f *fakeClient) URI() string  { return f.uri }
func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) itemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeClient) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

func (f *fakeClient) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envStopped
}

func (f *fakeClient) envEndedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envEnded
}

func testTimeouts() Timeouts {
	return Timeouts{
		StartEvent:  time.Second,
		SendItem:    time.Second,
		EndEvent:    time.Second,
		EndEnvelope: time.Second,
	}
}

func newTestLog(t *testing.T) *statelog.BadgerStore {
	t.Helper()
	store, err := statelog.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory state log: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// buildLinearGraph wires a root worker node into one consumer node with
// nbReplicas clients, returning the event ready for dispatch.
func buildLinearGraph(worker *fakeClient, consumerClients ...*fakeClient) (*Event, *Node, *Node) {
	consumerNode := NewConsumerNode("consumer-1", []string{"role-c1"}, toClients(consumerClients))
	workerNode := NewWorkerNode("worker-1", "role-w1", worker, []string{"consumer-1"})
	ev := &Event{
		EnvelopeID: "env-1",
		EventID:    "evt-1",
		TypeID:     "type-1",
		TypeName:   "demo",
		Nodes:      map[string]*Node{"worker-1": workerNode, "consumer-1": consumerNode},
		Start:      []string{"worker-1"},
	}
	return ev, workerNode, consumerNode
}

func toClients(fakes []*fakeClient) []recipient.Client {
	out := make([]recipient.Client, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestEndToEndSingleWorkerSingleConsumer(t *testing.T) {
	worker := newFakeClient("worker")
	consumer := newFakeClient("consumer")
	ev, workerNode, consumerNode := buildLinearGraph(worker, consumer)

	env := New("env-1", testTimeouts(), newTestLog(t), false)
	env.PutEvent(ev)

	ctx := context.Background()
	Dispatch(ctx, env, ev, workerNode)
	waitFor(t, func() bool { return len(worker.started) == 1 })

	DispatchSendItem(ctx, env, ev, workerNode, []int{0}, []byte("item-0"), 0)
	DispatchSendItem(ctx, env, ev, workerNode, []int{1}, []byte("item-1"), 1)
	waitFor(t, func() bool { return consumer.itemCount() == 2 })

	DispatchEndEvent(ctx, env, ev, workerNode, 2)
	waitFor(t, func() bool { return consumerNode.Done() })

	RunEndEnvelope(ctx, env)
	waitFor(t, func() bool { return worker.stopCount() == 0 && consumer.envEndedCount() == 1 })

	if consumer.endedCount() != 1 {
		t.Fatalf("consumer saw %d end_event calls, want 1", consumer.endedCount())
	}
}

func TestConsumerFailureStopsEnvelopeAndSkipsDonePersist(t *testing.T) {
	worker := newFakeClient("worker")
	consumer := newFakeClient("consumer")
	consumer.failSend = true
	ev, workerNode, _ := buildLinearGraph(worker, consumer)

	log := newTestLog(t)
	env := New("env-2", testTimeouts(), log, false)
	env.PutEvent(ev)

	ctx := context.Background()
	Dispatch(ctx, env, ev, workerNode)
	waitFor(t, func() bool { return len(worker.started) == 1 })

	DispatchSendItem(ctx, env, ev, workerNode, []int{0}, []byte("boom"), 0)
	waitFor(t, func() bool { return env.Stopped() })

	state, ok, err := log.EnvelopeState("env-2")
	if err != nil {
		t.Fatalf("read envelope state: %v", err)
	}
	if !ok || state != statelog.StateStop {
		t.Fatalf("envelope state = %q, ok=%v, want %q", state, ok, statelog.StateStop)
	}
}

func TestCancelEnvelopeIsIdempotent(t *testing.T) {
	worker := newFakeClient("worker")
	consumer := newFakeClient("consumer")
	ev, workerNode, _ := buildLinearGraph(worker, consumer)

	log := newTestLog(t)
	env := New("env-3", testTimeouts(), log, false)
	env.PutEvent(ev)

	ctx := context.Background()
	Dispatch(ctx, env, ev, workerNode)
	waitFor(t, func() bool { return len(worker.started) == 1 })

	env.Stop(true)
	env.Stop(true)
	env.Stop(true)

	waitFor(t, func() bool { return worker.stopCount() == 1 })

	state, ok, err := log.EnvelopeState("env-3")
	if err != nil {
		t.Fatalf("read envelope state: %v", err)
	}
	if !ok || state != statelog.StateCanc {
		t.Fatalf("envelope state = %q, ok=%v, want %q", state, ok, statelog.StateCanc)
	}
	if worker.stopCount() != 1 {
		t.Fatalf("worker saw %d stop_envelope calls, want exactly 1", worker.stopCount())
	}
}

func TestSendItemOrderingWaitsForStartEvent(t *testing.T) {
	worker := newFakeClient("worker")
	worker.delay = 50 * time.Millisecond
	consumer := newFakeClient("consumer")
	ev, workerNode, _ := buildLinearGraph(worker, consumer)

	env := New("env-4", testTimeouts(), newTestLog(t), false)
	env.PutEvent(ev)

	ctx := context.Background()
	Dispatch(ctx, env, ev, workerNode)
	DispatchSendItem(ctx, env, ev, workerNode, []int{0}, []byte("early"), 0)

	waitFor(t, func() bool { return consumer.itemCount() == 1 })
	if len(worker.started) != 1 {
		t.Fatalf("worker.started = %d, want 1", len(worker.started))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
