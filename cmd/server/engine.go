package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/cloud-browser/internal/audit"
	"github.com/shehryarbajwa/cloud-browser/internal/browser"
	"github.com/shehryarbajwa/cloud-browser/internal/config"
	"github.com/shehryarbajwa/cloud-browser/internal/ports"
	"github.com/shehryarbajwa/cloud-browser/internal/resources"
	"github.com/shehryarbajwa/cloud-browser/internal/session"
)

// engine bundles everything the subcommands share.
type engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	runtime  *browser.Docker
	profiles *session.StaticProfiles
	hub      *audit.Hub
	audit    *audit.Dispatcher
	sessions *session.Manager
}

func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rt, err := browser.NewDocker(connectCtx, browser.DockerOptions{
		Host:    cfg.DockerHost,
		Network: cfg.DockerNetwork,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	alloc, err := ports.New(
		ports.Range{Start: cfg.DisplayPorts.Start, End: cfg.DisplayPorts.End},
		ports.Range{Start: cfg.WebPorts.Start, End: cfg.WebPorts.End},
		ports.WithFreeCheck(ports.HostFreeCheck("")),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}

	acct, err := resources.NewAccountant(resources.Bounds{
		DefaultCPU:    cfg.DefaultCPU,
		DefaultMemory: cfg.DefaultMemory,
		CPUFloor:      cfg.CPUFloor,
		CPUCeiling:    cfg.CPUCeiling,
		MemoryFloor:   cfg.MemoryFloor,
		MemoryCeiling: cfg.MemoryCeiling,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	hub := audit.NewHub(64)
	dispatcher := audit.NewDispatcher(1024, log, audit.LogSink{Log: log.With().Str("component", "audit").Logger()}, hub)
	profiles := session.NewStaticProfiles(cfg.MaxContainers, cfg.DefaultTTL, cfg.Owners)

	mgr, err := session.NewManager(session.Deps{
		Runtime:    rt,
		Ports:      alloc,
		Accountant: acct,
		Profiles:   profiles,
		Audit:      dispatcher,
		Logger:     log,
	}, session.OptionsFromConfig(cfg))
	if err != nil {
		dispatcher.Close()
		rt.Close()
		return nil, err
	}

	return &engine{
		cfg:      cfg,
		log:      log,
		runtime:  rt,
		profiles: profiles,
		hub:      hub,
		audit:    dispatcher,
		sessions: mgr,
	}, nil
}

func (e *engine) Close() {
	e.audit.Close()
	if err := e.runtime.Close(); err != nil {
		e.log.Warn().Err(err).Msg("failed to close docker client")
	}
}
