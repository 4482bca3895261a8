// Package app is the composition root: it wires the RPC Bridge, Job Engine,
// Cache Store, Thread Projection, Terminal Manager, Push Dispatcher, and
// HTTP Frontdoor together, mirroring the dependency graph the teacher's
// main.go and Server.New assemble by hand.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/relaykit/worker/internal/cache"
	"github.com/relaykit/worker/internal/config"
	"github.com/relaykit/worker/internal/errorreport"
	"github.com/relaykit/worker/internal/jobengine"
	"github.com/relaykit/worker/internal/push"
	"github.com/relaykit/worker/internal/rpcbridge"
	"github.com/relaykit/worker/internal/server"
	"github.com/relaykit/worker/internal/terminal"
	"github.com/relaykit/worker/internal/threadprojection"
)

// App owns every long-lived component and its shutdown order.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store      *cache.Store
	bridge     *rpcbridge.Bridge
	engine     *jobengine.Engine
	projector  *threadprojection.Projector
	terminals  *terminal.Manager
	dispatcher *push.Dispatcher
	diagnostic *errorreport.Reporter
	srv        *server.Server
}

// New constructs every component and wires their dependencies, but starts
// nothing: call Start to spawn the upstream agent and begin serving.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := preflight(cfg); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	store, err := cache.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	var diagnostic *errorreport.Reporter
	if cfg.DiagnosticsURL != "" {
		diagnostic = errorreport.New(cfg.DiagnosticsURL, cfg.NodeID, cfg.DiagnosticsToken, errorreport.Config{
			FlushInterval: cfg.DiagnosticsFlushInterval,
		})
	}

	bridge := rpcbridge.New(rpcbridge.Config{
		Command:         cfg.AgentCommand,
		Args:            cfg.AgentArgs,
		Dir:             cfg.AgentCwd,
		Env:             cfg.AgentEnv,
		RequestTimeout:  cfg.RequestTimeout,
		ShowRolloutLogs: cfg.ShowRolloutLogs,
		Logger:          logger,
	})

	bridge.OnProtocolError(func(err error) {
		logger.Error("rpc bridge protocol error", "error", err)
		diagnostic.ReportError(err, "rpcbridge", nil)
	})
	bridge.OnExit(func(err error) {
		if err != nil {
			logger.Error("upstream agent exited", "error", err)
			diagnostic.ReportError(err, "rpcbridge", nil)
		}
	})

	var sink push.Sink = &push.LogSink{Logger: logger}
	dispatcher := push.New(sink, push.Config{
		FlushInterval: cfg.PushFlushInterval,
		MaxBatchSize:  cfg.PushMaxBatchSize,
		MaxQueueSize:  cfg.PushMaxQueueSize,
	}, logger)

	var projector *threadprojection.Projector

	engine := jobengine.New(jobengine.Config{
		Upstream:       bridge,
		Store:          store,
		EventRetention: cfg.EventRetention,
		Logger:         logger,
		OnInvalidate: func(threadID string) {
			if projector != nil {
				projector.Invalidate(threadID)
			}
		},
		OnNotify: func(ev jobengine.NotificationEvent) {
			devices, err := store.ListPushDevices()
			if err != nil {
				logger.Warn("list push devices failed", "error", err)
				return
			}
			for _, d := range devices {
				dispatcher.Enqueue(push.Notification{
					DeviceToken: d.Token,
					ThreadID:    ev.ThreadID,
					JobID:       ev.JobID,
					Type:        ev.Type,
					Title:       ev.Title,
					Body:        ev.Body,
				})
			}
		},
	})
	bridge.OnNotification(engine.HandleNotification)
	bridge.OnRequest(engine.HandleRequest)

	projector = threadprojection.New(threadprojection.Config{
		Source: engine,
		Store:  store,
		TTL:    cfg.ProjectionCacheTTL,
	})

	terminals := terminal.NewManager(terminal.ManagerConfig{
		DefaultShell:       cfg.DefaultShell,
		DefaultRows:        cfg.DefaultRows,
		DefaultCols:        cfg.DefaultCols,
		MaxSessions:        cfg.MaxSessions,
		MaxScrollbackBytes: cfg.MaxScrollbackBytes,
		IdleSweepInterval:  cfg.IdleSweepInterval,
		IdleTTL:            cfg.IdleTTL,
		Logger:             logger,
	})

	srv, err := server.New(cfg, server.Deps{
		Engine:     engine,
		Projector:  projector,
		Terminals:  terminals,
		Dispatcher: dispatcher,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create frontdoor: %w", err)
	}

	return &App{
		cfg:        cfg,
		log:        logger,
		store:      store,
		bridge:     bridge,
		engine:     engine,
		projector:  projector,
		terminals:  terminals,
		dispatcher: dispatcher,
		diagnostic: diagnostic,
		srv:        srv,
	}, nil
}

// Start spawns the upstream agent subprocess, starts the push dispatcher and
// diagnostics reporter, then begins serving HTTP. It blocks until the
// listener stops.
func (a *App) Start(ctx context.Context) error {
	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start rpc bridge: %w", err)
	}
	a.dispatcher.Start()
	a.diagnostic.Start()
	return a.srv.Start()
}

// Stop shuts the frontdoor down first (its Stop also stops the terminal
// manager and push dispatcher and closes the cache store before shutting the
// HTTP listener), then stops the upstream agent, then flushes the
// diagnostics reporter.
func (a *App) Stop(ctx context.Context) error {
	err := a.srv.Stop(ctx)

	if stopErr := a.bridge.Stop(); stopErr != nil {
		a.log.Warn("error stopping rpc bridge", "error", stopErr)
	}
	a.diagnostic.Shutdown()

	return err
}

// preflight verifies the upstream agent command resolves on PATH and the
// cache database's directory is writable before any component is
// constructed, so startup fails fast with a clear error instead of deep
// inside Bridge.Start or cache.Open.
func preflight(cfg *config.Config) error {
	if _, err := exec.LookPath(cfg.AgentCommand); err != nil {
		return fmt.Errorf("agent command %q not resolvable: %w", cfg.AgentCommand, err)
	}

	dir := dbDir(cfg.DBPath)
	probe, err := os.CreateTemp(dir, ".worker-writecheck-*")
	if err != nil {
		return fmt.Errorf("cache directory %q is not writable: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	return nil
}

func dbDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
