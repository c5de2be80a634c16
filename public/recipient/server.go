package recipient

import (
	"context"
	"encoding/json"
	"net"

	"github.com/xbus/xbus/internal/rpcconn"
)

func (f *Framework) handleConnection(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	conn := rpcconn.NewConn(nc)
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			f.logDebug("recipient connection %s closed: %v", nc.RemoteAddr(), err)
			return
		}
		var req rpcconn.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		resp := f.dispatch(ctx, &req)
		if err := conn.WriteResponse(resp); err != nil {
			f.logDebug("recipient connection %s: write response: %v", nc.RemoteAddr(), err)
			return
		}
	}
}

func (f *Framework) dispatch(ctx context.Context, req *rpcconn.Request) *rpcconn.Response {
	switch req.Method {
	case "start_event":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
			EventID    string `json:"event_id"`
			TypeName   string `json:"type_name"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResp(req.ID, err)
		}
		ok, err := f.handler.StartEvent(ctx, p.EnvelopeID, p.EventID, p.TypeName)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, ok)

	case "send_item":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
			EventID    string `json:"event_id"`
			Indices    []int  `json:"indices"`
			Data       []byte `json:"data"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResp(req.ID, err)
		}
		replies, err := f.handler.SendItem(ctx, p.EnvelopeID, p.EventID, p.Indices, p.Data)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, replies)

	case "end_event":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
			EventID    string `json:"event_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResp(req.ID, err)
		}
		ok, err := f.handler.EndEvent(ctx, p.EnvelopeID, p.EventID)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, ok)

	case "end_envelope":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResp(req.ID, err)
		}
		ok, err := f.handler.EndEnvelope(ctx, p.EnvelopeID)
		if err != nil {
			return errResp(req.ID, err)
		}
		return okResp(req.ID, ok)

	case "stop_envelope":
		var p struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil {
			f.handler.StopEnvelope(p.EnvelopeID)
		}
		return okResp(req.ID, true)

	default:
		return &rpcconn.Response{ID: req.ID, Error: &rpcconn.Error{Code: 2, Message: "unknown method: " + req.Method}}
	}
}

func okResp(id string, v interface{}) *rpcconn.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return &rpcconn.Response{ID: id, Error: &rpcconn.Error{Code: 1, Message: err.Error()}}
	}
	return &rpcconn.Response{ID: id, Result: data}
}

func errResp(id string, err error) *rpcconn.Response {
	return &rpcconn.Response{ID: id, Error: &rpcconn.Error{Code: 3, Message: err.Error()}}
}
