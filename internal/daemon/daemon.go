package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/agentgate/internal/config"
	"github.com/harun/agentgate/internal/logger"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/backend"
	"github.com/harun/agentgate/pkg/backend/local"
	"github.com/harun/agentgate/pkg/commandqueue"
	"github.com/harun/agentgate/pkg/gateway"
	"github.com/harun/agentgate/pkg/pipeline"
	"github.com/harun/agentgate/pkg/plugin"
	"github.com/harun/agentgate/pkg/recovery"
	"github.com/harun/agentgate/pkg/session"
	"github.com/harun/agentgate/pkg/toolexecutor"
	"github.com/harun/agentgate/pkg/transcript"
	"github.com/rs/zerolog"
)

const stopTimeout = 30 * time.Second

// Daemon owns every long-lived component of a running gateway.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	log     zerolog.Logger
	version string

	store       session.Store
	sessions    *session.Manager
	backend     backend.Backend
	local       *local.Backend
	tools       *toolexecutor.ToolExecutor
	plugins     *plugin.Host
	pipelines   *pipeline.Registry
	watcher     *pipeline.Watcher
	composer    *pipeline.Composer
	coordinator *recovery.Coordinator
	queue       *commandqueue.CommandQueue
	transcripts *transcript.Store
	retention   *transcript.Retention
	events      *gateway.TurnEvents
	front       *gateway.Front
	server      *gateway.Server

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon
type Option func(*Daemon)

// WithBackend replaces the configured agent backend.
func WithBackend(b backend.Backend) Option {
	return func(d *Daemon) { d.backend = b }
}

// WithVersion sets the version reported to tracing and logs.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// New builds every component in dependency order. Nothing listens or
// runs in the background until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     log.Component("daemon"),
		version: "dev",
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("agentgate", d.version, cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		d.release()
		cancel()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger")
	}

	if err := d.initStore(); err != nil {
		return err
	}
	if err := d.initTools(); err != nil {
		return err
	}
	if err := d.initBackend(); err != nil {
		return err
	}

	var err error
	d.sessions, err = session.NewManager(session.Config{
		Backend:       d.backend,
		Store:         d.store,
		IdleTTL:       cfg.Session.IdleTTL(),
		SweepSchedule: cfg.Session.SweepSchedule,
		TombstoneTTL:  cfg.Session.TombstoneTTL(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	if err := d.initPipelines(); err != nil {
		return err
	}

	d.events = gateway.NewTurnEvents()
	d.coordinator, err = recovery.New(recovery.Config{
		Sessions:  d.sessions,
		Pipelines: d.pipelines,
		Executor:  d.composer,
		Observer:  d.events.ObserveRecovery,
	})
	if err != nil {
		return fmt.Errorf("failed to create recovery coordinator: %w", err)
	}

	d.queue = commandqueue.New("turns")

	d.transcripts, err = transcript.New(cfg.Transcript.Dir)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	d.retention = transcript.NewRetention(d.transcripts, transcript.RetentionConfig{
		MaxAge:     cfg.Transcript.RetentionMaxAge(),
		MaxEntries: cfg.Transcript.MaxEntries,
		Schedule:   cfg.Transcript.RetentionSweep,
	})

	d.front, err = gateway.NewFront(gateway.FrontConfig{
		Runner:      d.coordinator,
		Queue:       d.queue,
		Transcripts: d.transcripts,
		Events:      d.events,
		TurnTimeout: cfg.Gateway.TurnTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway front: %w", err)
	}

	serverCfg := gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Front:             d.front,
		Sessions:          d.sessions,
		Transcripts:       d.transcripts,
		Agents:            d.pipelines,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		TickInterval:      cfg.Gateway.TickInterval(),
		Logger:            d.logger.Component("gateway"),
	}
	if hc, ok := d.backend.(backend.HealthChecker); ok {
		serverCfg.Health = hc
	}
	d.server, err = gateway.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	d.log.Info().
		Str("backend", cfg.Backend.Kind).
		Str("session_store", cfg.Session.Store).
		Int("agents", d.pipelines.Count()).
		Int("tools", d.tools.GetToolCount()).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initStore() error {
	switch d.config.Session.Store {
	case "sqlite":
		store, err := session.NewSQLiteStore(d.config.Session.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		d.store = store
	default:
		d.store = session.NewMemoryStore()
	}
	return nil
}

func (d *Daemon) initTools() error {
	cfg := d.config.Tools
	d.tools = toolexecutor.New(
		toolexecutor.WithGate(toolexecutor.NewGate(cfg.GateTimeout())),
		toolexecutor.WithCallTimeout(cfg.CallTimeout()),
	)
	if err := toolexecutor.RegisterBuiltins(d.tools); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	if cfg.HTTPEndpoint != "" {
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		defer cancel()
		remote := toolexecutor.NewHTTPBackend("http", cfg.HTTPEndpoint, cfg.CallTimeout())
		if _, err := d.tools.RegisterBackend(ctx, remote); err != nil {
			d.log.Warn().Err(err).Str("endpoint", cfg.HTTPEndpoint).Msg("Failed to register remote tools")
		}
	}

	if cfg.PluginDir != "" {
		d.plugins = plugin.NewHost(d.version, d.logger.Component("plugins"))
		backends, err := d.plugins.Load(cfg.PluginDir)
		if err != nil {
			d.log.Warn().Err(err).Str("dir", cfg.PluginDir).Msg("Failed to discover tool plugins")
		}
		for _, b := range backends {
			ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
			if _, err := d.tools.RegisterBackend(ctx, b); err != nil {
				d.log.Warn().Err(err).Str("plugin", b.Name()).Msg("Failed to register plugin tools")
			}
			cancel()
		}
	}
	return nil
}

// toolCatalog describes registered tools to the local backend's model.
func (d *Daemon) toolCatalog() local.ToolCatalog {
	return local.CatalogFunc(func(names []string) []local.ToolSpec {
		specs := make([]local.ToolSpec, 0, len(names))
		for _, name := range names {
			def := d.tools.GetTool(name)
			if def == nil {
				continue
			}
			schema, _ := d.tools.InputSchema(name)
			specs = append(specs, local.ToolSpec{Name: name, Description: def.Description, InputSchema: schema})
		}
		return specs
	})
}

func (d *Daemon) initBackend() error {
	if d.backend != nil {
		return nil
	}

	cfg := d.config.Backend
	switch cfg.Kind {
	case "adk":
		client, err := backend.NewADKClient(backend.ADKConfig{
			BaseURL:         cfg.BaseURL,
			Timeout:         cfg.CallTimeout(),
			ConcurrentTurns: cfg.ConcurrentTurns,
		})
		if err != nil {
			return fmt.Errorf("failed to create ADK client: %w", err)
		}
		d.backend = client
	default:
		provider, err := local.NewProvider(cfg.Provider, cfg.APIKey)
		if err != nil {
			return fmt.Errorf("failed to create model provider: %w", err)
		}
		b, err := local.New(local.Config{
			Provider:     provider,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			SystemPrompt: cfg.SystemPrompt,
			Catalog:      d.toolCatalog(),
			SessionTTL:   cfg.SessionTTL(),
		})
		if err != nil {
			return fmt.Errorf("failed to create local backend: %w", err)
		}
		d.local = b
		d.backend = b
	}
	return nil
}

func (d *Daemon) initPipelines() error {
	cfg := d.config.Pipeline

	isolation, err := pipeline.ParseIsolation(cfg.ParallelIsolation)
	if err != nil {
		return err
	}

	d.pipelines = pipeline.NewRegistry()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create pipeline directory: %w", err)
	}
	defs, err := pipeline.Load(cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}
	if err := d.pipelines.Replace(defs); err != nil {
		return fmt.Errorf("failed to register pipelines: %w", err)
	}
	if len(defs) == 0 {
		d.log.Warn().Str("dir", cfg.Dir).Msg("No pipeline definitions found")
	}

	if cfg.Watch {
		d.watcher, err = pipeline.NewWatcher(pipeline.WatcherConfig{
			Path:     cfg.Dir,
			Registry: d.pipelines,
			OnReload: d.onPipelineReload,
		})
		if err != nil {
			return fmt.Errorf("failed to create pipeline watcher: %w", err)
		}
	}

	d.composer, err = pipeline.NewComposer(pipeline.Config{
		Backend:       d.backend,
		Tools:         d.tools,
		MaxToolRounds: cfg.MaxToolRounds,
		Isolation:     isolation,
		ToolTimeout:   d.config.Tools.CallTimeout(),
		GateTimeout:   d.config.Tools.GateTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline composer: %w", err)
	}
	return nil
}

func (d *Daemon) onPipelineReload(count int, err error) {
	if err != nil {
		d.log.Error().Err(err).Msg("Pipeline reload failed, keeping previous definitions")
		return
	}
	d.log.Info().Int("agents", count).Msg("Pipelines reloaded")
	if d.server != nil {
		d.server.Broadcast("pipelines.reloaded", map[string]interface{}{"agents": count})
	}
	observability.RecordConfigAudit(d.ctx, "pipelines_reloaded", "watcher", map[string]interface{}{"agents": count})
}

// Start brings the daemon up: PID file, sweeps, watcher, then the listener.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentgate daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.local != nil {
		if err := d.local.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start local backend eviction")
		}
	}
	if err := d.sessions.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session sweep")
	}
	if err := d.retention.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start transcript retention")
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start pipeline watcher")
		}
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	observability.RecordConfigAudit(d.ctx, "daemon_started", "daemon", map[string]interface{}{
		"addr":    d.server.Addr(),
		"backend": d.config.Backend.Kind,
		"agents":  d.pipelines.Count(),
	})
	logger.Info().Str("addr", d.server.Addr()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentgate daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := d.server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop pipeline watcher")
		}
	}

	d.eventLoop.HandleShutdown()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()
	logger.Info().Msg("Daemon stopped")
	return nil
}

// release stops the background sweeps and closes what New opened. It is
// also used to unwind a partially built daemon.
func (d *Daemon) release() {
	if d.retention != nil {
		d.retention.Stop()
	}
	if d.sessions != nil {
		d.sessions.Stop()
	}
	if d.local != nil {
		d.local.Stop()
	}
	if d.plugins != nil {
		d.plugins.Close()
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close session store")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if audit := observability.GetAuditLogger(); audit != nil {
		if err := audit.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close audit logger")
		}
	}
}

// Status represents daemon status
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Addr      string        `json:"addr,omitempty"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
		status.Addr = d.server.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM (or ctx cancellation), then stops
// the daemon.
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Front returns the in-process turn entry point
func (d *Daemon) Front() *gateway.Front {
	return d.front
}

// Addr returns the gateway listen address once started
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// PIDFile returns the PID file path
func (d *Daemon) PIDFile() string {
	return d.lifecycle.pidFile
}
