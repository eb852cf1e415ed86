package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/logger"
	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/internal/tracing"
	"github.com/harun/kirana/pkg/budget"
	"github.com/harun/kirana/pkg/delegate"
	"github.com/harun/kirana/pkg/history"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/modelstream"
	"github.com/harun/kirana/pkg/toolruntime"
	"github.com/harun/kirana/pkg/turn"
)

// Runtime wires the execution core together from configuration: model
// client, tool runtime, budget ledger, history store, hooks, and the
// delegate orchestrator. The scheduler embedding this module builds one
// Runtime per process and opens sessions from it.
type Runtime struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        history.Store
	budget       *budget.Budget
	toolRuntime  *toolruntime.Runtime
	remoteTools  *toolruntime.RemoteProvider
	client       modelstream.Client
	executor     *turn.AgentExecutor
	tracker      *delegate.Tracker
	orchestrator *delegate.Orchestrator
	janitor      *delegate.Janitor

	// Services
	metricsServer *http.Server
	watcher       *config.Watcher

	mu          sync.RWMutex
	hookManager *hooks.Manager
	running     bool

	tracingEnabled bool
}

// New creates a runtime from a validated config. Nothing touches the
// network until Start.
func New(cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	observability.EnsureRegistered()
	if cfg.DataDir != "" {
		auditPath := filepath.Join(cfg.DataDir, "audit.log")
		if err := observability.InitAuditLogger(auditPath); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		}
	}

	r := &Runtime{
		config: cfg,
		logger: log,
	}

	if err := tracing.InitOpenTelemetry("kirana"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		r.tracingEnabled = true
	}

	if err := r.initializeCoreModules(); err != nil {
		if r.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			r.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	return r, nil
}

// initializeCoreModules builds the core modules in dependency order.
func (r *Runtime) initializeCoreModules() error {
	cfg := r.config
	zlog := r.logger.GetZerolog()

	if cfg.History.DBPath != "" {
		store, err := history.NewSQLiteStore(history.SQLiteConfig{
			DBPath: cfg.History.DBPath,
			Logger: zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		r.store = store
	} else {
		r.store = history.NewMemoryStore()
	}
	r.logger.Info().Str("db_path", cfg.History.DBPath).Msg("History store initialized")

	ledger, err := budget.New(budget.Config{
		Total:  cfg.Budget.Total,
		Logger: zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	r.budget = ledger
	r.logger.Info().Int64("total", cfg.Budget.Total).Msg("Token budget initialized")

	registry := toolruntime.NewRegistry(zlog)
	if cfg.Tools.WorkspacePath != "" {
		if err := toolruntime.RegisterBuiltins(registry, toolruntime.BuiltinOptions{
			WorkspaceRoot: cfg.Tools.WorkspacePath,
			ExecTimeout:   time.Duration(cfg.Tools.TimeoutSecs) * time.Second,
		}); err != nil {
			return fmt.Errorf("failed to register builtin tools: %w", err)
		}
		r.logger.Info().Str("workspace", cfg.Tools.WorkspacePath).Msg("Builtin tools registered")
	}
	r.toolRuntime, err = toolruntime.New(toolruntime.Config{
		Registry: registry,
		Timeout:  time.Duration(cfg.Tools.TimeoutSecs) * time.Second,
		Logger:   zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create tool runtime: %w", err)
	}
	if cfg.Tools.RemoteURL != "" {
		remote, err := toolruntime.NewRemoteProvider(toolruntime.RemoteConfig{
			URL:    cfg.Tools.RemoteURL,
			Logger: zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote tool provider: %w", err)
		}
		r.remoteTools = remote
	}
	r.logger.Info().Msg("Tool runtime initialized")

	hookManager, err := buildHookManager(cfg.Hooks, zlog)
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	r.hookManager = hookManager
	r.logger.Info().Bool("enabled", cfg.Hooks.Enabled).Msg("Hook manager initialized")

	client, err := newModelClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	r.client = client
	r.logger.Info().Str("provider", cfg.Model.Provider).Str("model", cfg.Model.Name).Msg("Model client initialized")

	profiles := make(map[string]turn.Profile, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		profiles[agent.Name] = turn.Profile{
			Model:        agent.Model,
			SystemPrompt: agent.SystemPrompt,
			MaxRounds:    agent.MaxRounds,
		}
	}
	executor, err := turn.NewAgentExecutor(turn.AgentExecutorConfig{
		Client:   r.client,
		Runtime:  r.toolRuntime,
		Store:    r.store,
		Profiles: profiles,
		Logger:   zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent executor: %w", err)
	}
	r.executor = executor

	tracker, err := delegate.NewTracker(delegate.TrackerConfig{
		RegistryPath: cfg.Delegates.RegistryPath,
		AutoSave:     true,
		Logger:       zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create delegate tracker: %w", err)
	}
	r.tracker = tracker

	orchestrator, err := delegate.NewOrchestrator(delegate.OrchestratorConfig{
		Tracker:           tracker,
		Runner:            executor,
		Budget:            r.budget,
		DefaultTaskBudget: cfg.Budget.DefaultTaskBudget,
		Logger:            zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	r.orchestrator = orchestrator

	janitor, err := delegate.NewJanitor(delegate.JanitorConfig{
		Tracker:   tracker,
		Schedule:  cfg.Delegates.CleanupSchedule,
		Retention: time.Duration(cfg.Delegates.RetentionDays) * 24 * time.Hour,
		Logger:    zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	r.janitor = janitor
	r.logger.Info().Int("agents", len(profiles)).Msg("Delegate orchestrator initialized")

	return nil
}

// Start brings up the background services: the delegate janitor, the
// remote tool connection, and the metrics endpoint when enabled.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("runtime already started")
	}

	if err := r.janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	if r.remoteTools != nil {
		if err := r.remoteTools.Connect(ctx); err != nil {
			r.janitor.Stop()
			return fmt.Errorf("failed to connect remote tool server: %w", err)
		}
		if err := r.remoteTools.RegisterTools(ctx, r.toolRuntime.Registry()); err != nil {
			r.janitor.Stop()
			return fmt.Errorf("failed to register remote tools: %w", err)
		}
		r.logger.Info().Str("url", r.config.Tools.RemoteURL).Msg("Remote tools registered")
	}

	if r.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		r.metricsServer = &http.Server{Addr: r.config.Metrics.Addr, Handler: mux}
		go func() {
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		r.logger.Info().Str("addr", r.config.Metrics.Addr).Msg("Metrics endpoint started")
	}

	r.running = true
	return nil
}

// Stop shuts the background services down. Safe to call once after a
// successful Start.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}

	var errs []error

	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher stop: %w", err))
		}
		r.watcher = nil
	}
	r.janitor.Stop()
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		r.metricsServer = nil
	}
	if r.remoteTools != nil {
		if err := r.remoteTools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("remote tools close: %w", err))
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("history store close: %w", err))
	}
	if r.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}

	r.running = false
	r.logger.Info().Msg("Runtime stopped")
	return errors.Join(errs...)
}

// NewSession opens a turn task bound to the given session ID. Every
// session shares the runtime's store, budget, and tool runtime; each
// gets its own recorder and transcript.
func (r *Runtime) NewSession(sessionID string) (*turn.Task, error) {
	recorder, err := history.NewRecorder(history.RecorderConfig{
		Store:     r.store,
		SessionID: sessionID,
		Observer:  observability.TranscriptObserver{},
		Logger:    r.logger.GetZerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	return turn.NewTask(turn.Config{
		Client:       r.client,
		Model:        r.config.Model.Name,
		SystemPrompt: r.config.Model.SystemPrompt,
		Recorder:     recorder,
		Runtime:      r.toolRuntime,
		Budget:       r.budget,
		Hooks:        r.currentHooks(),
		MaxTokens:    r.config.Model.MaxTokens,
		Logger:       r.logger.GetZerolog(),
	})
}

// Orchestrator exposes the delegate orchestrator for tool handlers that
// fan work out to sub-agents.
func (r *Runtime) Orchestrator() *delegate.Orchestrator {
	return r.orchestrator
}

// Budget exposes the session token ledger.
func (r *Runtime) Budget() *budget.Budget {
	return r.budget
}

// Store exposes the transcript store.
func (r *Runtime) Store() history.Store {
	return r.store
}

// WatchConfig hot-reloads hook settings when the config file at path
// changes. Sessions opened after a reload pick up the new hooks;
// sessions already running keep the set they started with.
func (r *Runtime) WatchConfig(configPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return errors.New("config watcher already started")
	}

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader:   config.NewLoader(configPath),
		OnReload: r.applyReload,
		Logger:   r.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	r.watcher = watcher
	r.logger.Info().Str("path", configPath).Msg("Config hot-reload enabled")
	return nil
}

func (r *Runtime) applyReload(cfg *config.Config) {
	hookManager, err := buildHookManager(cfg.Hooks, r.logger.GetZerolog())
	if err != nil {
		r.logger.Warn().Err(err).Msg("Config reload rejected: hook settings invalid")
		return
	}

	r.mu.Lock()
	r.hookManager = hookManager
	r.mu.Unlock()
	r.logger.Info().Bool("hooks_enabled", cfg.Hooks.Enabled).Msg("Hook settings reloaded")
}

func (r *Runtime) currentHooks() *hooks.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hookManager
}

func buildHookManager(cfg config.HooksConfig, zlog zerolog.Logger) (*hooks.Manager, error) {
	configured := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		configured = append(configured, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSecs) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   configured,
		Logger:  zlog,
	})
}

// newModelClient resolves the credential profile for the configured
// provider. Lower Priority values win ties.
func newModelClient(cfg *config.Config) (modelstream.Client, error) {
	profiles := make([]config.AIProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		if p.Provider == cfg.Model.Provider {
			profiles = append(profiles, p)
		}
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no credential profile for provider %s", cfg.Model.Provider)
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	switch cfg.Model.Provider {
	case "anthropic":
		return modelstream.NewAnthropicClient(profiles[0].APIKey), nil
	case "openai":
		return modelstream.NewOpenAIClient(profiles[0].APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Model.Provider)
	}
}
