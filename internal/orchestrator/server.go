package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"net"

	"github.com/xbus/xbus/internal/rpcconn"
)

// Serve accepts front connections on cfg.ListenAddr until ctx is
// cancelled, spawning one goroutine per connection.
func (o *Orchestrator) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", o.cfg.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go o.handleConnection(ctx, conn)
	}
}

func (o *Orchestrator) handleConnection(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	conn := rpcconn.NewConn(nc)
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			o.logDebug("front connection %s closed: %v", nc.RemoteAddr(), err)
			return
		}
		var req rpcconn.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		resp := o.handleRequest(ctx, &req)
		if err := conn.WriteResponse(resp); err != nil {
			log.Printf("front connection %s: write response: %v", nc.RemoteAddr(), err)
			return
		}
	}
}

func (o *Orchestrator) handleRequest(ctx context.Context, req *rpcconn.Request) *rpcconn.Response {
	result, rpcErr := o.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		return &rpcconn.Response{ID: req.ID, Error: rpcErr}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return &rpcconn.Response{ID: req.ID, Error: &rpcconn.Error{Code: 1, Message: err.Error()}}
	}
	return &rpcconn.Response{ID: req.ID, Result: data}
}

func (o *Orchestrator) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpcconn.Error) {
	switch method {
	case "login":
		var p struct {
			Login    string `json:"login"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		token, err := o.Login(p.Login, p.Password)
		if err != nil {
			return "", nil
		}
		return token, nil

	case "logout":
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return o.Logout(p.Token), nil

	case "register_node":
		var p struct {
			Token string `json:"token"`
			URI   string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return o.RegisterNode(p.Token, p.URI), nil

	case "ready":
		var p struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return o.Ready(p.Token), nil

	case "start_envelope":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return o.StartEnvelope(p.EnvelopeID), nil

	case "start_event":
		var p struct {
			EnvelopeID string   `json:"envelope_id"`
			EventID    string   `json:"event_id"`
			TypeID     string   `json:"type_id"`
			TypeName   string   `json:"type_name"`
			Targets    []string `json:"targets,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		// Targets is accepted but unused: the interface supports
		// subsetting recipients but that selection isn't implemented.
		code, msg := o.StartEvent(ctx, p.EnvelopeID, p.EventID, p.TypeID, p.TypeName)
		return []interface{}{code, msg}, nil

	case "send_item":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
			EventID    string `json:"event_id"`
			Index      int    `json:"index"`
			Data       []byte `json:"data"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		code, msg := o.SendItem(ctx, p.EnvelopeID, p.EventID, p.Index, p.Data)
		return []interface{}{code, msg}, nil

	case "end_event":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
			EventID    string `json:"event_id"`
			NbItems    int    `json:"nb_items"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		code, msg := o.EndEvent(ctx, p.EnvelopeID, p.EventID, p.NbItems)
		return []interface{}{code, msg}, nil

	case "end_envelope":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		success, msg := o.EndEnvelope(ctx, p.EnvelopeID)
		return map[string]interface{}{
			"success":     success,
			"envelope_id": p.EnvelopeID,
			"message":     msg,
		}, nil

	case "cancel_envelope":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, badParams(err)
		}
		return o.CancelEnvelope(p.EnvelopeID), nil

	default:
		return nil, &rpcconn.Error{Code: 2, Message: "unknown method: " + method}
	}
}

func badParams(err error) *rpcconn.Error {
	return &rpcconn.Error{Code: 3, Message: "bad params: " + err.Error()}
}
