// Package main is the Xbus orchestrator entry point. It loads
// configuration, opens the embedded stores, provisions the metadata
// store from YAML, and runs the front-facing RPC server until a
// shutdown signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xbus/xbus/internal/config"
	"github.com/xbus/xbus/internal/envelope"
	"github.com/xbus/xbus/internal/metadata"
	"github.com/xbus/xbus/internal/orchestrator"
	"github.com/xbus/xbus/internal/session"
	"github.com/xbus/xbus/internal/statelog"
)

func main() {
	var cfg *config.Config
	var configSource string

	if len(os.Args) >= 2 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]
	} else if _, err := os.Stat("config/xbus.yaml"); err == nil {
		loaded, err := config.Load("config/xbus.yaml")
		if err != nil {
			log.Printf("warning: config/xbus.yaml exists but failed to load: %v", err)
			cfg = config.Default()
			configSource = "hardcoded defaults (config/xbus.yaml failed to parse)"
		} else {
			cfg = loaded
			configSource = "config/xbus.yaml"
		}
	} else {
		cfg = config.Default()
		configSource = "hardcoded defaults"
	}

	log.Printf("starting xbus using %s", configSource)
	if cfg.Debug {
		log.Printf("debug logging enabled")
	}

	sessionStore, err := session.Open(cfg.SessionDir)
	if err != nil {
		log.Fatalf("failed to open session store at %s: %v", cfg.SessionDir, err)
	}
	defer sessionStore.Close()

	metadataStore, err := metadata.Open(cfg.MetadataDir)
	if err != nil {
		log.Fatalf("failed to open metadata store at %s: %v", cfg.MetadataDir, err)
	}
	defer metadataStore.Close()

	stateLogStore, err := statelog.Open(cfg.StateLogDir)
	if err != nil {
		log.Fatalf("failed to open state log at %s: %v", cfg.StateLogDir, err)
	}
	defer stateLogStore.Close()

	if len(cfg.Provision) > 0 {
		files, err := config.LoadProvisionFiles(cfg.Provision)
		if err != nil {
			log.Fatalf("failed to load provision files: %v", err)
		}
		if err := metadata.Apply(metadataStore, files); err != nil {
			log.Fatalf("failed to apply provisioning: %v", err)
		}
		log.Printf("applied %d provision file(s)", len(files))
	}

	startEvt, sendItem, endEvt, endEnv := cfg.Timeouts.Durations()
	orch := orchestrator.New(orchestrator.Config{
		ListenAddr: cfg.ListenAddr,
		SelfURI:    cfg.SelfURI,
		FrontURI:   cfg.FrontURI,
		TokenTTL:   cfg.TokenTTL(),
		Timeouts: envelope.Timeouts{
			StartEvent:  startEvt,
			SendItem:    sendItem,
			EndEvent:    endEvt,
			EndEnvelope: endEnv,
		},
		Debug: cfg.Debug,
	}, metadataStore, sessionStore, stateLogStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Serve(ctx); err != nil {
			log.Printf("front server error: %v", err)
		}
	}()

	if cfg.FrontURI != "" {
		regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
		err := orch.RegisterOnFront(regCtx)
		regCancel()
		if err != nil {
			log.Fatalf("failed to register on front: %v", err)
		}
	}

	log.Printf("xbus listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("shutdown complete")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}
