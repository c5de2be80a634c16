package graph

import (
	"context"
	"testing"

	"github.com/xbus/xbus/internal/envelope"
	"github.com/xbus/xbus/internal/metadata"
	"github.com/xbus/xbus/internal/recipient"
	"github.com/xbus/xbus/internal/registry"
)

type stubClient struct{ uri string }

func (s *stubClient) StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error) {
	return true, nil
}
func (s *stubClient) SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]recipient.ItemReply, error) {
	return nil, nil
}
func (s *stubClient) EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error) {
	return true, nil
}
func (s *stubClient) EndEnvelope(ctx context.Context, envelopeID string) (bool, error) {
	return true, nil
}
func (s *stubClient) StopEnvelope(envelopeID string) {}
func (s *stubClient) URI() string                    { return s.uri }
func (s *stubClient) Close() error                   { return nil }

func newMeta(t *testing.T) metadata.Store {
	t.Helper()
	store, err := metadata.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory metadata store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMaterializeWorkerPicksFirstSortedReadyRole(t *testing.T) {
	meta := newMeta(t)
	reg := registry.New()

	reg.RegisterClient("role-b", &stubClient{uri: "role-b"})
	reg.RegisterClient("role-a", &stubClient{uri: "role-a"})
	reg.MarkReady("svc-worker", "role-b")
	reg.MarkReady("svc-worker", "role-a")

	if err := meta.PutNodeGraph("type-1", []metadata.NodeRow{
		{NodeID: "n1", ServiceID: "svc-worker", IsStart: true, ChildIDs: []string{"n2"}},
		{NodeID: "n2", ServiceID: "svc-consumer", IsStart: false},
	}); err != nil {
		t.Fatalf("put node graph: %v", err)
	}
	reg.RegisterClient("role-c", &stubClient{uri: "role-c"})
	reg.MarkReady("svc-consumer", "role-c")

	res, ok, failedService, err := Materialize("type-1", meta, reg)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !ok {
		t.Fatalf("materialize reported failure for service %q", failedService)
	}
	if len(res.Start) != 1 || res.Start[0] != "n1" {
		t.Fatalf("Start = %v, want [n1]", res.Start)
	}

	var worker *envelope.Node
	for _, n := range res.Nodes {
		if n.ID == "n1" {
			worker = n
		}
	}
	if worker == nil {
		t.Fatal("worker node n1 missing from result")
	}
	if worker.Kind != envelope.KindWorker {
		t.Fatalf("n1 kind = %v, want KindWorker", worker.Kind)
	}
	if worker.RoleID != "role-a" {
		t.Fatalf("worker bound to role %q, want role-a (first sorted)", worker.RoleID)
	}
	if len(worker.Children) != 1 || worker.Children[0] != "n2" {
		t.Fatalf("worker children = %v, want [n2]", worker.Children)
	}
}

func TestMaterializeConsumerCollectsAllReadyReplicas(t *testing.T) {
	meta := newMeta(t)
	reg := registry.New()

	reg.RegisterClient("role-w", &stubClient{uri: "role-w"})
	reg.MarkReady("svc-worker", "role-w")

	reg.RegisterClient("role-c1", &stubClient{uri: "role-c1"})
	reg.RegisterClient("role-c2", &stubClient{uri: "role-c2"})
	reg.MarkReady("svc-consumer", "role-c1")
	reg.MarkReady("svc-consumer", "role-c2")

	if err := meta.PutNodeGraph("type-2", []metadata.NodeRow{
		{NodeID: "n1", ServiceID: "svc-worker", IsStart: true, ChildIDs: []string{"n2"}},
		{NodeID: "n2", ServiceID: "svc-consumer"},
	}); err != nil {
		t.Fatalf("put node graph: %v", err)
	}
	if err := meta.PutConsumerRoles("svc-consumer", []string{"role-c1", "role-c2", "role-c3"}); err != nil {
		t.Fatalf("put consumer roles: %v", err)
	}

	res, ok, failedService, err := Materialize("type-2", meta, reg)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !ok {
		t.Fatalf("materialize reported failure for service %q", failedService)
	}

	var consumer *envelope.Node
	for _, n := range res.Nodes {
		if n.ID == "n2" {
			consumer = n
		}
	}
	if consumer == nil {
		t.Fatal("consumer node n2 missing from result")
	}
	if consumer.Kind != envelope.KindConsumer {
		t.Fatalf("n2 kind = %v, want KindConsumer", consumer.Kind)
	}
	if len(consumer.Clients) != 2 {
		t.Fatalf("consumer has %d clients, want 2", len(consumer.Clients))
	}
	if len(consumer.RoleIDs) != 2 {
		t.Fatalf("consumer has %d role ids, want 2", len(consumer.RoleIDs))
	}
}

func TestMaterializeFailsOnNoReadyRoleForRequiredService(t *testing.T) {
	meta := newMeta(t)
	reg := registry.New()

	// svc-worker never registers or marks ready a role.
	if err := meta.PutNodeGraph("type-3", []metadata.NodeRow{
		{NodeID: "n1", ServiceID: "svc-worker", IsStart: true, ChildIDs: []string{"n2"}},
		{NodeID: "n2", ServiceID: "svc-consumer"},
	}); err != nil {
		t.Fatalf("put node graph: %v", err)
	}

	res, ok, failedService, err := Materialize("type-3", meta, reg)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if ok {
		t.Fatal("materialize reported success despite no ready role for svc-worker")
	}
	if failedService != "svc-worker" {
		t.Fatalf("failed service = %q, want svc-worker", failedService)
	}
	if res.Nodes != nil {
		t.Fatalf("result nodes = %v, want nil on failure", res.Nodes)
	}
}

func TestMaterializeSucceedsWithNoReadyRoleForConsumerService(t *testing.T) {
	meta := newMeta(t)
	reg := registry.New()

	reg.RegisterClient("role-w", &stubClient{uri: "role-w"})
	reg.MarkReady("svc-worker", "role-w")

	if err := meta.PutNodeGraph("type-4", []metadata.NodeRow{
		{NodeID: "n1", ServiceID: "svc-worker", IsStart: true, ChildIDs: []string{"n2"}},
		{NodeID: "n2", ServiceID: "svc-consumer"},
	}); err != nil {
		t.Fatalf("put node graph: %v", err)
	}

	res, ok, failedService, err := Materialize("type-4", meta, reg)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !ok {
		t.Fatalf("materialize failed for service %q despite an empty consumer ready set being vacuous success", failedService)
	}

	var consumer *envelope.Node
	for _, n := range res.Nodes {
		if n.ID == "n2" {
			consumer = n
		}
	}
	if consumer == nil {
		t.Fatal("consumer node n2 missing from result")
	}
	if len(consumer.Clients) != 0 || len(consumer.RoleIDs) != 0 {
		t.Fatalf("consumer clients/roles = %v/%v, want both empty", consumer.Clients, consumer.RoleIDs)
	}
}
