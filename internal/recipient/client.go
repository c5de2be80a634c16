// Package recipient implements the orchestrator's outbound handle to one
// remote worker or consumer process, and the five RPC verbs the
// orchestrator invokes on it: one TCP connection multiplexing concurrent
// calls by correlation id, with a background goroutine reading replies.
package recipient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xbus/xbus/internal/rpcconn"
)

// ItemReply is one (indices, data) pair a worker's send_item call may
// produce; zero, one or several per input item.
type ItemReply struct {
	Indices []int  `json:"indices"`
	Data    []byte `json:"data"`
}

// Client is the set of RPC verbs a recipient process exposes.
type Client interface {
	StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error)
	SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]ItemReply, error)
	EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error)
	EndEnvelope(ctx context.Context, envelopeID string) (bool, error)
	StopEnvelope(envelopeID string)
	URI() string
	Close() error
}

// TCPClient is a Client backed by a newline-delimited JSON-RPC TCP
// connection, modeled directly on the broker client's call()/
// messageListener split: one background goroutine demultiplexes
// inbound frames by id onto per-call channels.
type TCPClient struct {
	uri  string
	conn *rpcconn.Conn

	mu       sync.Mutex
	pending  map[string]chan *rpcconn.Response
	nextID   uint64
	debug    bool
	closedCh chan struct{}
}

// Dial connects to a recipient process at uri ("host:port").
func Dial(uri string, debug bool) (*TCPClient, error) {
	conn, err := net.DialTimeout("tcp", uri, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial recipient %s: %w", uri, err)
	}
	c := &TCPClient{
		uri:      uri,
		conn:     rpcconn.NewConn(conn),
		pending:  make(map[string]chan *rpcconn.Response),
		debug:    debug,
		closedCh: make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

func (c *TCPClient) URI() string { return c.uri }

func (c *TCPClient) Close() error {
	select {
	case <-c.closedCh:
	default:
		close(c.closedCh)
	}
	return c.conn.Close()
}

func (c *TCPClient) listen() {
	for {
		raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.debug {
				log.Printf("recipient %s: connection closed: %v", c.uri, err)
			}
			c.failAllPending()
			return
		}
		if !rpcconn.LooksLikeResponse(raw) {
			// Recipients do not call back unsolicited verbs on this
			// connection; unexpected frames are dropped.
			continue
		}
		var resp rpcconn.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *TCPClient) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &rpcconn.Response{ID: id, Error: &rpcconn.Error{Code: 1, Message: "connection closed"}}
	}
}

// call sends a request and blocks for the correlated reply or ctx
// cancellation, exactly the shape of the broker client's call().
func (c *TCPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := fmt.Sprintf("%s-%d", method, atomic.AddUint64(&c.nextID, 1))
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *rpcconn.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteRequest(&rpcconn.Request{ID: id, Method: method, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closedCh:
		return nil, fmt.Errorf("recipient %s: closed", c.uri)
	}
}

// CallRaw exposes the generic call path for verbs outside the five
// recipient RPCs, such as the front's register_backend.
func (c *TCPClient) CallRaw(ctx context.Context, method string, params interface{}, out interface{}) error {
	result, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

type startEventParams struct {
	EnvelopeID string `json:"envelope_id"`
	EventID    string `json:"event_id"`
	TypeName   string `json:"type_name"`
}

func (c *TCPClient) StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error) {
	var ok bool
	err := c.CallRaw(ctx, "start_event", startEventParams{envelopeID, eventID, typeName}, &ok)
	return ok, err
}

type sendItemParams struct {
	EnvelopeID string `json:"envelope_id"`
	EventID    string `json:"event_id"`
	Indices    []int  `json:"indices"`
	Data       []byte `json:"data"`
}

func (c *TCPClient) SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]ItemReply, error) {
	var replies []ItemReply
	err := c.CallRaw(ctx, "send_item", sendItemParams{envelopeID, eventID, indices, data}, &replies)
	return replies, err
}

type eventIDParams struct {
	EnvelopeID string `json:"envelope_id"`
	EventID    string `json:"event_id"`
}

func (c *TCPClient) EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error) {
	var ok bool
	err := c.CallRaw(ctx, "end_event", eventIDParams{envelopeID, eventID}, &ok)
	return ok, err
}

type envelopeIDParams struct {
	EnvelopeID string `json:"envelope_id"`
}

func (c *TCPClient) EndEnvelope(ctx context.Context, envelopeID string) (bool, error) {
	var ok bool
	err := c.CallRaw(ctx, "end_envelope", envelopeIDParams{envelopeID}, &ok)
	return ok, err
}

// StopEnvelope is fire-and-forget: the caller does not wait for a reply.
func (c *TCPClient) StopEnvelope(envelopeID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.call(ctx, "stop_envelope", envelopeIDParams{envelopeID}); err != nil && c.debug {
			log.Printf("recipient %s: stop_envelope(%s): %v", c.uri, envelopeID, err)
		}
	}()
}
