package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/devflow/core/internal/autoheal"
)

// serveOptions carries the serve command's flags.
type serveOptions struct {
	wsPort      int
	noScheduler bool
	agent       string
	tools       string
	allModules  bool
}

// defaultWorkspaceURI is the workspace startup flags (--agent/--tools/--all)
// act on; MCP callers name their own workspace per request.
const defaultWorkspaceURI = "cli://local"

// runServe implements the serve command: it wires every component, applies
// the startup persona/module flags, starts the Event Bus heartbeat loop,
// the Scheduler tick loop (unless --no-scheduler), and an HTTP listener
// serving the WebSocket upgrade endpoint and /metrics, then blocks until
// SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, opts serveOptions) error {
	logger := rootLogger()

	configRoot, err := resolveConfigRoot()
	if err != nil {
		return configError(err)
	}
	a, err := newApp(flagConfigPath, configRoot, logger)
	if err != nil {
		return initError(err)
	}
	logger = a.logger
	defer a.store.Flush()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := a.traceStop(stopCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	if err := applyStartupToolFlags(a, opts); err != nil {
		return initError(err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go a.bus.Run(ctx)
	go runMaintenance(ctx, a)

	if !opts.noScheduler && a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return initError(fmt.Errorf("start scheduler: %w", err))
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := a.scheduler.Stop(stopCtx); err != nil {
				logger.Warn("scheduler stop failed", "error", err)
			}
		}()
	}

	port := a.cfg.EventBus.Port
	if opts.wsPort != 0 {
		port = opts.wsPort
	}
	addr := net.JoinHostPort(a.cfg.EventBus.Host, fmt.Sprintf("%d", port))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.bus.ServeHTTP)
	if a.cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registerer, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("devflow-core serving", "addr", addr, "scheduler_enabled", !opts.noScheduler && a.cfg.Scheduler.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return initError(err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// runMaintenance drives the periodic background passes: the usage-pattern
// optimizer (prune, decay, merge) and scheduler execution-history pruning.
func runMaintenance(ctx context.Context, a *app) {
	interval := a.cfg.AutoHeal.OptimizerInterval.Std()
	if interval <= 0 {
		return
	}
	optimizer := a.heal.Optimizer(autoheal.OptimizerConfig{
		PruneMaxAge:     time.Duration(a.cfg.AutoHeal.PruneMaxAgeDays) * 24 * time.Hour,
		PruneMaxConf:    a.cfg.AutoHeal.PruneMaxConfidence,
		DecayAfter:      time.Duration(a.cfg.AutoHeal.DecayAfterDays) * 24 * time.Hour,
		DecayPerMonth:   a.cfg.AutoHeal.DecayRatePerMonth,
		MergeSimilarity: a.cfg.AutoHeal.MergeSimilarity,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			optimizer.Run(time.Now())
			if prune := a.cfg.Scheduler.HistoryPrune.Std(); prune > 0 {
				if _, err := a.scheduler.PruneExecutions(ctx, prune); err != nil {
					a.logger.Warn("execution history prune failed", "error", err)
				}
			}
		}
	}
}

// applyStartupToolFlags loads the persona named by --agent and installs the
// modules named by --tools/--all into the default workspace's registry
// before the server starts accepting traffic.
func applyStartupToolFlags(a *app, opts serveOptions) error {
	ctx := context.Background()

	agent := opts.agent
	if agent == "" {
		// The configured default persona applies only when no explicit
		// --agent was given and the workspace has none yet.
		if _, active := a.personas.Active(defaultWorkspaceURI); !active {
			agent = a.cfg.Persona.DefaultPersona
		}
	}
	if agent != "" {
		if _, err := a.workspace.GetOrCreate(ctx, defaultWorkspaceURI); err != nil {
			return err
		}
		p, err := a.personas.Load(defaultWorkspaceURI, agent)
		if err != nil {
			return fmt.Errorf("load startup persona %q: %w", agent, err)
		}
		if err := a.workspace.SetActivePersona(ctx, defaultWorkspaceURI, p.Name); err != nil {
			return err
		}
	}

	var moduleNames []string
	if opts.allModules {
		moduleNames = a.modules.Names()
	} else if opts.tools != "" {
		for _, name := range strings.Split(opts.tools, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				moduleNames = append(moduleNames, trimmed)
			}
		}
	}
	for _, name := range moduleNames {
		tools, err := a.modules.Load(name)
		if err != nil {
			return fmt.Errorf("load --tools module %q: %w", name, err)
		}
		if err := a.registry.ReplaceModules(nil, tools); err != nil {
			return fmt.Errorf("install --tools module %q: %w", name, err)
		}
	}
	return nil
}
