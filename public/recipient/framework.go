package recipient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xbus/xbus/internal/rpcconn"
)

// Config holds a recipient process's connection settings.
type Config struct {
	// OrchestratorURI is the orchestrator's front-facing RPC address.
	OrchestratorURI string
	// ListenAddr is the local address this process accepts recipient
	// RPCs on.
	ListenAddr string
	// SelfURI is the address the orchestrator should dial back on;
	// normally host:port matching ListenAddr.
	SelfURI  string
	Login    string
	Password string
	Debug    bool
}

// Framework owns the boilerplate connection lifecycle: login and
// register_node against the orchestrator, then the inbound RPC server
// answering the five recipient verbs by delegating to a Handler. This
// eliminates the repeated wiring a standalone worker or consumer
// process would otherwise need.
type Framework struct {
	cfg     Config
	handler Handler

	mu    sync.Mutex
	token string
}

// NewFramework constructs a recipient framework over handler.
func NewFramework(handler Handler, cfg Config) *Framework {
	return &Framework{cfg: cfg, handler: handler}
}

// Run logs in, registers this process's listen address with the
// orchestrator, then serves inbound calls until ctx is cancelled or a
// shutdown signal arrives.
func (f *Framework) Run(ctx context.Context) error {
	if err := f.registerWithOrchestrator(ctx); err != nil {
		return fmt.Errorf("register with orchestrator: %w", err)
	}

	ln, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.cfg.ListenAddr, err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-serveCtx.Done():
		}
	}()
	go func() {
		<-serveCtx.Done()
		ln.Close()
	}()

	log.Printf("recipient listening on %s (self uri %s)", f.cfg.ListenAddr, f.cfg.SelfURI)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-serveCtx.Done():
				return nil
			default:
				return err
			}
		}
		go f.handleConnection(serveCtx, conn)
	}
}

func (f *Framework) logDebug(format string, args ...interface{}) {
	if f.cfg.Debug {
		log.Printf(format, args...)
	}
}

// registerWithOrchestrator performs login then register_node over one
// short-lived connection; register_node marks the role ready as part
// of the same call on the orchestrator side.
func (f *Framework) registerWithOrchestrator(ctx context.Context) error {
	nc, err := net.DialTimeout("tcp", f.cfg.OrchestratorURI, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial orchestrator at %s: %w", f.cfg.OrchestratorURI, err)
	}
	defer nc.Close()
	conn := rpcconn.NewConn(nc)

	var token string
	if err := callOnce(conn, "login", map[string]string{
		"login": f.cfg.Login, "password": f.cfg.Password,
	}, &token); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if token == "" {
		return fmt.Errorf("login rejected for %s", f.cfg.Login)
	}
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()

	var registered bool
	if err := callOnce(conn, "register_node", map[string]string{
		"token": token, "uri": f.cfg.SelfURI,
	}, &registered); err != nil {
		return fmt.Errorf("register_node: %w", err)
	}
	if !registered {
		return fmt.Errorf("register_node rejected for %s", f.cfg.SelfURI)
	}
	f.logDebug("registered with orchestrator at %s as %s", f.cfg.OrchestratorURI, f.cfg.Login)
	return nil
}

func callOnce(conn *rpcconn.Conn, method string, params interface{}, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%s-%d", method, time.Now().UnixNano())
	if err := conn.WriteRequest(&rpcconn.Request{ID: id, Method: method, Params: raw}); err != nil {
		return err
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp rpcconn.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && resp.Result != nil {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}
