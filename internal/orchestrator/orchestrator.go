// Package orchestrator implements the back-end orchestration core's RPC
// surface: the verbs consumed from the front, graph materialization on
// start_event, and the initial per-node dispatch that hands off to the
// envelope engine. The network loop accepts one connection per goroutine
// and dispatches each request through a method-name switch.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xbus/xbus/internal/envelope"
	"github.com/xbus/xbus/internal/graph"
	"github.com/xbus/xbus/internal/metadata"
	"github.com/xbus/xbus/internal/recipient"
	"github.com/xbus/xbus/internal/registry"
	"github.com/xbus/xbus/internal/security"
	"github.com/xbus/xbus/internal/session"
	"github.com/xbus/xbus/internal/statelog"
)

// Config holds the orchestrator's network and timing settings.
type Config struct {
	ListenAddr  string
	SelfURI     string
	FrontURI    string
	TokenTTL    time.Duration
	Timeouts    envelope.Timeouts
	Debug       bool
}

// Orchestrator is the back-end orchestration core: it authenticates
// recipients, receives graph-control verbs from the front, constructs
// envelopes and events, materializes graphs, and schedules dispatch.
type Orchestrator struct {
	cfg      Config
	meta     metadata.Store
	sessions session.Store
	stateLog statelog.Store
	registry *registry.Registry

	mu        sync.RWMutex
	envelopes map[string]*envelope.Envelope

	dialRecipient func(uri string) (recipient.Client, error)
}

// New constructs an orchestrator over the given stores.
func New(cfg Config, meta metadata.Store, sessions session.Store, stateLog statelog.Store) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		meta:      meta,
		sessions:  sessions,
		stateLog:  stateLog,
		registry:  registry.New(),
		envelopes: make(map[string]*envelope.Envelope),
		dialRecipient: func(uri string) (recipient.Client, error) {
			return recipient.Dial(uri, cfg.Debug)
		},
	}
}

func (o *Orchestrator) logDebug(format string, args ...interface{}) {
	if o.cfg.Debug {
		log.Printf(format, args...)
	}
}

func (o *Orchestrator) getEnvelope(id string) (*envelope.Envelope, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.envelopes[id]
	return e, ok
}

// Login verifies login/password against the metadata store's role
// table and mints a session token on success.
func (o *Orchestrator) Login(login, password string) (string, error) {
	role, ok, err := o.meta.Role(login)
	if err != nil {
		return "", nil
	}
	if !ok || !security.VerifyPassword(role.PasswordHash, password) {
		return "", nil
	}
	token, err := session.NewToken()
	if err != nil {
		return "", err
	}
	rec := session.Record{RoleID: role.ID, Login: role.Login, ServiceID: role.ServiceID}
	if err := o.sessions.Set(token, rec, o.cfg.TokenTTL); err != nil {
		return "", nil
	}
	return token, nil
}

// Logout removes the role from the ready set and the recipient
// registry, then deletes the token. Returns false for an unknown or
// already-removed token, so a second logout call reports failure.
func (o *Orchestrator) Logout(token string) bool {
	rec, ok, err := o.sessions.Get(token)
	if err != nil {
		return false
	}
	if !ok {
		return false
	}
	o.registry.RemoveRole(rec.ServiceID, rec.RoleID)
	if err := o.sessions.Del(token); err != nil {
		return false
	}
	return true
}

// RegisterNode resolves token to a role, dials the recipient at uri,
// stores the client in the registry, and marks it ready.
func (o *Orchestrator) RegisterNode(token, uri string) bool {
	rec, ok, err := o.sessions.Get(token)
	if err != nil || !ok {
		return false
	}
	client, err := o.dialRecipient(uri)
	if err != nil {
		o.logDebug("register_node: dial %s: %v", uri, err)
		return false
	}
	o.registry.RegisterClient(rec.RoleID, client)
	return o.Ready(token)
}

// Ready requires the role already be in the recipient registry and
// adds it to its service's ready set.
func (o *Orchestrator) Ready(token string) bool {
	rec, ok, err := o.sessions.Get(token)
	if err != nil || !ok {
		return false
	}
	if _, ok := o.registry.Client(rec.RoleID); !ok {
		return false
	}
	o.registry.MarkReady(rec.ServiceID, rec.RoleID)
	return true
}

// RegisterOnFront connects to the front's back-registration endpoint
// at startup. A null reply is fatal.
func (o *Orchestrator) RegisterOnFront(ctx context.Context) error {
	if o.cfg.FrontURI == "" {
		return nil
	}
	client, err := recipient.Dial(o.cfg.FrontURI, o.cfg.Debug)
	if err != nil {
		return fmt.Errorf("connect to front at %s: %w", o.cfg.FrontURI, err)
	}
	defer client.Close()

	var uri *string
	if err := client.CallRaw(ctx, "register_backend", map[string]string{"uri": o.cfg.SelfURI}, &uri); err != nil {
		return fmt.Errorf("register_backend: %w", err)
	}
	if uri == nil {
		return fmt.Errorf("register_backend: front returned null, fatal")
	}
	return nil
}

// StartEnvelope constructs a new envelope and returns its id.
func (o *Orchestrator) StartEnvelope(envelopeID string) string {
	if envelopeID == "" {
		envelopeID = newID()
	}
	e := envelope.New(envelopeID, o.cfg.Timeouts, o.stateLog, o.cfg.Debug)
	o.mu.Lock()
	o.envelopes[envelopeID] = e
	o.mu.Unlock()
	return envelopeID
}

// StartEvent materializes the graph for typeID and schedules the
// initial dispatch for every start node.
func (o *Orchestrator) StartEvent(ctx context.Context, envelopeID, eventID, typeID, typeName string) (int, string) {
	e, ok := o.getEnvelope(envelopeID)
	if !ok {
		return 1, fmt.Sprintf("Unknown envelope: %s", envelopeID)
	}
	if e.HasEvent(eventID) {
		return 1, fmt.Sprintf("Event already started: %s", eventID)
	}

	result, ok, failedService, err := graph.Materialize(typeID, o.meta, o.registry)
	if err != nil {
		return 1, fmt.Sprintf("graph materialization error: %v", err)
	}
	if !ok {
		return 1, fmt.Sprintf("no ready role for service: %s", failedService)
	}

	nodes := make(map[string]*envelope.Node, len(result.Nodes))
	for _, n := range result.Nodes {
		nodes[n.ID] = n
	}
	ev := &envelope.Event{
		EnvelopeID: envelopeID,
		EventID:    eventID,
		TypeID:     typeID,
		TypeName:   typeName,
		Nodes:      nodes,
		Start:      result.Start,
	}
	e.PutEvent(ev)

	if o.stateLog != nil {
		_ = o.stateLog.PutEvent(statelog.EventCounts{
			EnvelopeID: envelopeID,
			EventID:    eventID,
			TypeID:     typeID,
			TypeName:   typeName,
		})
	}

	for _, startID := range ev.Start {
		if n, found := ev.Nodes[startID]; found {
			envelope.Dispatch(ctx, e, ev, n)
		}
	}
	return 0, eventID
}

// SendItem spawns the per-start-node send_item coroutine; it does not
// wait for completion.
func (o *Orchestrator) SendItem(ctx context.Context, envelopeID, eventID string, index int, data []byte) (int, string) {
	e, ev, code, msg := o.resolveEvent(envelopeID, eventID)
	if e == nil {
		return code, msg
	}
	if o.stateLog != nil {
		_ = o.stateLog.PutItem(eventID, index, data)
	}
	for _, startID := range ev.Start {
		if n, found := ev.Nodes[startID]; found {
			envelope.DispatchSendItem(ctx, e, ev, n, []int{index}, data, index)
		}
	}
	return 0, eventID
}

// EndEvent spawns the per-start-node end_event coroutine; it does not
// wait for completion.
func (o *Orchestrator) EndEvent(ctx context.Context, envelopeID, eventID string, nbItems int) (int, string) {
	e, ev, code, msg := o.resolveEvent(envelopeID, eventID)
	if e == nil {
		return code, msg
	}
	if o.stateLog != nil {
		_ = o.stateLog.SetEventNbItems(envelopeID, eventID, nbItems)
	}
	for _, startID := range ev.Start {
		if n, found := ev.Nodes[startID]; found {
			envelope.DispatchEndEvent(ctx, e, ev, n, nbItems)
		}
	}
	return 0, eventID
}

// EndEnvelope spawns the envelope's end-of-envelope task and replies
// immediately.
func (o *Orchestrator) EndEnvelope(ctx context.Context, envelopeID string) (bool, string) {
	e, ok := o.getEnvelope(envelopeID)
	if !ok {
		return false, fmt.Sprintf("unknown envelope: %s", envelopeID)
	}
	go envelope.RunEndEnvelope(ctx, e)
	return true, ""
}

// CancelEnvelope marks the envelope stopped (persisting canc) and
// dispatches stop_envelope to every recipient across every event.
func (o *Orchestrator) CancelEnvelope(envelopeID string) string {
	e, ok := o.getEnvelope(envelopeID)
	if ok {
		e.Stop(true)
	}
	return envelopeID
}

func (o *Orchestrator) resolveEvent(envelopeID, eventID string) (*envelope.Envelope, *envelope.Event, int, string) {
	e, ok := o.getEnvelope(envelopeID)
	if !ok {
		return nil, nil, 1, fmt.Sprintf("Unknown envelope: %s", envelopeID)
	}
	ev, ok := e.Event(eventID)
	if !ok {
		return nil, nil, 1, fmt.Sprintf("Unknown event: %s", eventID)
	}
	return e, ev, 0, ""
}

func newID() string {
	return uuidNoDashes()
}

func uuidNoDashes() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])
}
