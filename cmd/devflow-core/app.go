package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devflow/core/internal/autoheal"
	"github.com/devflow/core/internal/config"
	"github.com/devflow/core/internal/coretools"
	"github.com/devflow/core/internal/eventbus"
	"github.com/devflow/core/internal/metrics"
	"github.com/devflow/core/internal/persona"
	"github.com/devflow/core/internal/scheduler"
	"github.com/devflow/core/internal/sessions"
	"github.com/devflow/core/internal/skillengine"
	"github.com/devflow/core/internal/store"
	"github.com/devflow/core/internal/toolregistry"
	"github.com/devflow/core/internal/tracing"
	"github.com/devflow/core/internal/workspace"
)

// app holds every wired component a CLI command needs. It is assembled once
// per invocation by newApp and torn down by its caller; it never outlives a
// single cobra RunE.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	registerer *prometheus.Registry
	store      *store.Store
	registry   *toolregistry.Registry
	heal       *autoheal.Core
	tracer     *tracing.Tracer
	traceStop  func(context.Context) error
	personas   *persona.Loader
	modules    *persona.StaticModuleSource
	skills     *skillengine.FileSource
	engine     *skillengine.Engine
	bus        *eventbus.Bus
	workspace  *workspace.Registry
	scheduler  *scheduler.Scheduler
}

// configureLogger rebuilds the logger per the loaded config's level and
// format. The bootstrap logger from main stays in effect until the config
// is known.
func configureLogger(cfg config.LoggingConfig, fallback *slog.Logger) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "", "info":
		level = slog.LevelInfo
	default:
		fallback.Warn("unknown log level, using info", "level", cfg.Level)
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newApp wires every component (C1-C8) per the configuration at cfgPath,
// rooted at configRoot. It does not start any goroutines (Bus.Run,
// Scheduler.Start) or network listeners; callers that need the server to be
// live call those explicitly (see runServe).
func newApp(cfgPath, configRoot string, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(cfgPath, configRoot)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = configureLogger(cfg.Logging, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st, err := store.New(cfg.Store.Root,
		store.WithLogger(logger),
		store.WithQuietWindow(cfg.Store.QuietWindow.Std()),
		store.WithIOObserver(m),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	fixes, err := autoheal.NewFixMemory(st)
	if err != nil {
		return nil, fmt.Errorf("open fix memory: %w", err)
	}
	patterns, err := autoheal.NewUsagePatternStore(st,
		autoheal.WithThresholds(cfg.AutoHeal.BlockThreshold, cfg.AutoHeal.WarnThreshold, cfg.AutoHeal.InfoThreshold),
		autoheal.WithPatternCache(cfg.AutoHeal.PatternCacheTTL.Std(), cfg.AutoHeal.PatternCacheMax),
	)
	if err != nil {
		return nil, fmt.Errorf("open usage pattern store: %w", err)
	}
	remediation := autoheal.NewRemediationActions(logger, nil, nil)
	healOpts := []autoheal.Option{autoheal.WithLogger(logger)}
	if cfg.AutoHeal.ApplyKnownFixes {
		healOpts = append(healOpts, autoheal.WithApplyKnownFixes(cfg.AutoHeal.ApplyThreshold))
	}
	heal := autoheal.NewCore(remediation, fixes, patterns, healOpts...)

	bus := eventbus.New(
		eventbus.WithLogger(logger),
		eventbus.WithSendBuffer(cfg.EventBus.SubscriberBuffer),
		eventbus.WithHeartbeatPeriod(cfg.EventBus.HeartbeatEvery.Std()),
	)

	tracer, traceStop := tracing.New(tracing.Config{
		ServiceName:    "devflow-core",
		ServiceVersion: buildVersion(),
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	traces := toolregistry.NewDebuggableDecorator(20)
	registry := toolregistry.New(
		toolregistry.WithLogger(logger),
		toolregistry.WithObserver(m),
		toolregistry.WithDefaultDecorators(
			&tracing.ToolSpanDecorator{Tracer: tracer},
			&toolregistry.UsagePrecheckDecorator{Checker: heal.PreChecker()},
			&toolregistry.AutoHealDecorator{Remediator: heal, Events: bus},
			traces,
		),
	)

	moduleSource := persona.NewStaticModuleSource()
	manifestSource := persona.NewFileManifestSource(cfg.Persona.ManifestDir)
	personas := persona.New(registry, manifestSource, moduleSource,
		persona.WithLogger(logger),
		persona.WithEmitter(bus),
		persona.WithSwitchObserver(m),
	)

	skillSource := skillengine.NewFileSource(cfg.Skills.Dir)
	engine := skillengine.NewEngine(registry,
		skillengine.WithLogger(logger),
		skillengine.WithEmitter(bus),
		skillengine.WithConfirmer(bus),
		skillengine.WithRetryPolicy(cfg.Skills.RetryBaseDelay.Std(), cfg.Skills.RetryMaxDelay.Std()),
		skillengine.WithComputeTimeout(cfg.Skills.ComputeTimeout.Std()),
		skillengine.WithDefaultConfirmTimeout(cfg.Skills.DefaultConfirmS),
		skillengine.WithRunObserver(m),
	)
	bus.SetStatusFunc(engine.ActiveExecutions)

	ws := workspace.New(st,
		workspace.WithLogger(logger),
		workspace.WithDocumentPath(cfg.Workspace.StateDocument),
		workspace.WithLocker(sessions.NewLocalLocker(cfg.Workspace.SessionLockTTL.Std())),
	)

	if err := coretools.Register(coretools.Deps{
		Logger:    logger,
		Registry:  registry,
		Workspace: ws,
		Personas:  personas,
		Skills:    skillSource,
		Engine:    engine,
		Heal:      heal,
		Store:     st,
		Traces:    traces,
	}); err != nil {
		return nil, fmt.Errorf("register control tools: %w", err)
	}

	sched, err := scheduler.New(st, cfg.Scheduler.JobsDocument,
		scheduler.WithLogger(logger),
		scheduler.WithTimezone(cfg.Scheduler.Timezone),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval.Std()),
		scheduler.WithSleepGap(cfg.Scheduler.SleepGap.Std()),
		scheduler.WithWorkspaceURI(defaultWorkspaceURI),
		scheduler.WithWatchPath(filepath.Join(cfg.Store.Root, cfg.Scheduler.JobsDocument)),
		scheduler.WithJobObserver(m),
		scheduler.WithSkillRunner(scheduler.SkillRunnerFunc(
			func(ctx context.Context, skillName, personaName, workspaceURI, sessionID string, inputs map[string]any) (map[string]any, error) {
				if personaName != "" {
					if _, err := personas.Load(workspaceURI, personaName); err != nil {
						return nil, err
					}
				}
				sk, err := skillSource.Get(skillName)
				if err != nil {
					return nil, err
				}
				runCtx, span := tracer.TraceSkillRun(ctx, skillName, sessionID)
				defer span.End()
				result := engine.Run(runCtx, sk, workspaceURI, sessionID, inputs)
				if result.Err != nil {
					tracer.RecordError(span, result.Err)
					return nil, result.Err
				}
				return result.Outputs, nil
			},
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		registerer: reg,
		store:      st,
		registry:   registry,
		heal:       heal,
		tracer:     tracer,
		traceStop:  traceStop,
		personas:   personas,
		modules:    moduleSource,
		skills:     skillSource,
		engine:     engine,
		bus:        bus,
		workspace:  ws,
		scheduler:  sched,
	}, nil
}
