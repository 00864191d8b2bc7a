package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/vigil/internal/config"
	"github.com/harun/vigil/internal/logger"
	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/assembler"
	"github.com/harun/vigil/pkg/commandqueue"
	"github.com/harun/vigil/pkg/cron"
	"github.com/harun/vigil/pkg/gateway"
	"github.com/harun/vigil/pkg/provider"
	"github.com/harun/vigil/pkg/router"
	"github.com/harun/vigil/pkg/sandbox"
	"github.com/harun/vigil/pkg/session"
	"github.com/harun/vigil/pkg/toolexecutor"
	"github.com/harun/vigil/pkg/workspace"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 5 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("daemon is already running")
	ErrNotRunning     = errors.New("daemon is not running")
)

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	factory   provider.Factory
	container sandbox.Runner
	now       func() time.Time
}

// WithProviderFactory replaces the model provider factory.
func WithProviderFactory(f provider.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithContainerRunner uses r for container isolation instead of the local
// Docker engine.
func WithContainerRunner(r sandbox.Runner) Option {
	return func(o *options) { o.container = r }
}

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Status is the lifecycle state of the daemon
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// Daemon wires the runtime together: sessions, router, tool broker, agent
// runners, lanes, scheduler and the control-plane gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	opts   options

	// Core modules
	sessions   *session.Store
	router     *router.Router
	workspace  *workspace.Workspace
	engine     *sandbox.DockerEngine
	gate       *toolexecutor.ApprovalGate
	broker     *toolexecutor.Broker
	queue      *commandqueue.Queue
	dispatcher *Dispatcher

	// Services
	gateway   *gateway.Server
	scheduler *cron.Service
	jobAgents map[string]string

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	stopOnce  sync.Once
	stopErr   error
	stopped   chan struct{}

	stopTracing func(context.Context) error
	listener    net.Listener
}

// New binds the gateway listener, then opens state and wires components. A
// taken address fails with gateway.ErrAddressInUse before any state is opened.
func New(cfg *config.Config, lg *logger.Logger, opts ...Option) (*Daemon, error) {
	ln, err := gateway.Listen(cfg.Gateway.Addr())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:   cfg,
		logger:   lg,
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		listener: ln,
	}
	for _, opt := range opts {
		opt(&d.opts)
	}

	if tc := cfg.Tracing; tc.Enabled {
		shutdown, err := tracing.Setup(ctx, tracing.Options{
			ServiceName: tc.ServiceName,
			Exporter:    tc.Exporter,
			Endpoint:    tc.Endpoint,
			Insecure:    tc.Insecure,
			FilePath:    filepath.Join(cfg.DataDir, "traces.jsonl"),
			SampleRatio: tc.SampleRatio,
		})
		if err != nil {
			lg.Error().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.stopTracing = shutdown
		}
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		lg.Error().Err(err).Msg("Failed to open audit log, audit records go to the process log")
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		_ = d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		_ = d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	lg.Info().
		Str("data_dir", cfg.DataDir).
		Int("agents", len(cfg.Agents)).
		Int("profiles", len(cfg.AI.Profiles)).
		Msg("Daemon initialized")

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var storeOpts []session.Option
	if r := d.logger.Redactor(); r != nil {
		storeOpts = append(storeOpts, session.WithRedactor(r.Redact))
	}
	sessions, err := session.New(sessionsDir(cfg.DataDir), storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.sessions = sessions
	log.Info().Str("dir", sessionsDir(cfg.DataDir)).Msg("Session store initialized")

	rt, err := router.New(convertProfiles(cfg.AI.Profiles), router.Options{
		Cooldown:         cfg.AI.Cooldown,
		MaxCooldown:      cfg.AI.MaxCooldown,
		ExhaustedBackoff: cfg.AI.ExhaustedBackoff,
		Factory:          d.opts.factory,
		KV:               sessions.Meta(),
	})
	if err != nil {
		return fmt.Errorf("failed to create model router: %w", err)
	}
	if err := rt.Restore(d.ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore router state, starting with healthy profiles")
	}
	d.router = rt

	ws, err := workspace.Open(cfg.WorkspacePath, workspace.Options{
		Watch: true,
		OnChange: func(field string) {
			log.Info().Str("field", field).Msg("Workspace field changed")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	d.workspace = ws

	if err := d.initializeTools(); err != nil {
		return err
	}

	agents := make([]*agentRuntime, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		ar, err := d.newAgentRuntime(ac)
		if err != nil {
			return fmt.Errorf("failed to create agent %s: %w", ac.ID, err)
		}
		agents = append(agents, ar)
	}

	d.queue = commandqueue.New()
	dispatcher, err := NewDispatcher(d.queue, agents)
	if err != nil {
		return err
	}
	d.dispatcher = dispatcher

	return nil
}

// initializeTools builds the sandbox, approval gate and tool broker.
func (d *Daemon) initializeTools() error {
	cfg := d.config

	container := d.opts.container
	if container == nil {
		engine, err := sandbox.NewDockerEngine(d.ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Container engine unavailable, container-isolated tools will fail")
		} else {
			d.engine = engine
			container = sandbox.NewContainerRunner(engine)
		}
	}
	sb := sandbox.New(sandbox.NewHostRunner(), container)

	if cfg.Approvals.Enabled {
		allowlist, err := toolexecutor.NewAllowlist(cfg.Approvals.AllowlistFile)
		if err != nil {
			return fmt.Errorf("failed to load exec allowlist: %w", err)
		}
		d.gate = toolexecutor.NewApprovalGate(cfg.Approvals.Timeout, d.emit, allowlist)
	}

	registry := toolexecutor.NewRegistry()
	if err := toolexecutor.RegisterBuiltins(registry, sb, d.workspace, d.sessions); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	d.broker = toolexecutor.NewBroker(registry, sb, d.gate)

	log.Info().
		Strs("tools", registry.Names()).
		Bool("container_engine", container != nil).
		Bool("approvals", d.gate != nil).
		Msg("Tool broker initialized")
	return nil
}

func (d *Daemon) newAgentRuntime(ac config.AgentConfig) (*agentRuntime, error) {
	agentCfg := convertAgent(ac, d.config.WorkspacePath, d.gate != nil)
	if err := agentCfg.Policy.Validate(); err != nil {
		return nil, err
	}

	asm := assembler.New(convertContext(ac.Context))
	summarizer := &assembler.ModelSummarizer{
		Call: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			res, err := d.router.Call(ctx, agentCfg.ID, tracing.GetSessionKey(ctx), agentCfg.Chain, req)
			if err != nil {
				return nil, err
			}
			return res.Response, nil
		},
	}

	runner, err := agent.NewRunner(agent.Config{
		Agent:     agentCfg,
		Sessions:  d.sessions,
		Router:    d.router,
		Tools:     d.broker,
		Workspace: d.workspace,
		Assembler: asm,
		Compactor: assembler.NewCompactor(d.sessions, asm, summarizer),
		OnTransition: func(runID string, from, to agent.State) {
			log.Trace().
				Str("run_id", runID).
				Str("from", string(from)).
				Str("to", string(to)).
				Msg("Run state changed")
		},
	})
	if err != nil {
		return nil, err
	}
	return &agentRuntime{id: ac.ID, runner: runner, runTimeout: ac.RunTimeout}, nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	jobs, jobAgents, err := convertJobs(cfg.Scheduler)
	if err != nil {
		return err
	}
	d.jobAgents = jobAgents
	scheduler, err := cron.NewService(jobs, cron.ServiceOptions{
		StorePath:      cfg.Scheduler.StateFile,
		MainSessionKey: cfg.Scheduler.MainSessionKey,
		Handler:        d.handleFire,
		OnEvent:        d.handleCronEvent,
		Now:            d.opts.now,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.scheduler = scheduler

	var approvals gateway.Approvals
	if d.gate != nil {
		approvals = d.gate
	}
	server, err := gateway.NewServer(gateway.Config{
		Addr:              cfg.Gateway.Addr(),
		Listener:          d.listener,
		SharedSecret:      cfg.Gateway.SharedSecret,
		TickInterval:      cfg.Gateway.TickInterval,
		RequestsPerMinute: cfg.Gateway.RateLimit,
		Runtime:           &runtime{d: d},
		Sessions:          d.sessions,
		Approvals:         approvals,
		Scheduler:         d.scheduler,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = server

	return nil
}

// emit forwards an event to connected clients.
func (d *Daemon) emit(ctx context.Context, event string, data map[string]any) {
	if d.gateway != nil {
		d.gateway.Emit(ctx, event, data)
	}
}

// Start serves the gateway and starts the scheduler.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting vigil daemon")

	if err := d.gateway.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		if rerr := d.release(); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release resources")
		}
		return err
	}
	logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	d.logger.Attach(gateway.NewLogForwarder(d.gateway.Broadcaster(), zerolog.InfoLevel))
	d.lifecycle.Start()

	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info().Interface("next_fires", d.scheduler.NextFireTimes()).Msg("Scheduler started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case err := <-d.gateway.Done():
			if err != nil {
				logger.Error().Err(err).Msg("Gateway listener failed, stopping daemon")
				go func() { _ = d.Stop() }()
			}
		case <-d.ctx.Done():
		}
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon gracefully: stop accepting, stop the scheduler,
// abort runs, drain lanes, close stores. Only the first call does the work.
func (d *Daemon) Stop() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	d.stopOnce.Do(func() {
		d.stopErr = d.shutdown()
		close(d.stopped)
	})
	return d.stopErr
}

func (d *Daemon) shutdown() error {
	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping vigil daemon")

	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}
	// Restore the log pipeline without the forwarder.
	log.Logger = d.logger.GetZerolog()

	if err := d.scheduler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
		errs = append(errs, err)
	}

	if n := d.dispatcher.AbortAll(); n > 0 {
		logger.Info().Int("runs", n).Msg("Aborted active runs")
	}
	d.eventLoop.HandleShutdown(drainTimeout)
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
		errs = append(errs, err)
	}

	d.cancel()
	d.wg.Wait()
	d.lifecycle.Stop()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	errs = append(errs, d.release())
	logger.Info().Msg("Daemon stopped successfully")
	return errors.Join(errs...)
}

// release closes stores and process-wide sinks.
func (d *Daemon) release() error {
	var errs []error
	d.cancel()
	// A served listener is already closed by the gateway.
	_ = d.listener.Close()

	if d.workspace != nil {
		if err := d.workspace.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close workspace: %w", err))
		}
	}
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close container engine: %w", err))
		}
	}
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if d.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.stopTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		cancel()
		d.stopTracing = nil
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Report builds the snapshot served by the status RPC.
func (d *Daemon) Report() StatusReport {
	st := d.Status()
	report := StatusReport{
		Version:    Version,
		Listener:   d.gateway.Addr(),
		StartedAt:  st.StartTime,
		UptimeSec:  int64(d.lifecycle.GetUptime().Seconds()),
		Clients:    len(d.gateway.GetConnectedClients()),
		Profiles:   d.router.Status(),
		NextFires:  d.scheduler.NextFireTimes(),
		Queue:      d.queue.Stats(),
		ActiveRuns: d.dispatcher.Active(),
	}
	if d.gate != nil {
		report.Pending = len(d.gate.Pending())
	}
	return report
}

// Wait blocks until a termination signal or a stop request, then returns
// once the daemon has stopped.
func (d *Daemon) Wait() error {
	d.lifecycle.Wait(d.stopped)
	<-d.stopped
	return d.stopErr
}

// Addr returns the bound listener address.
func (d *Daemon) Addr() string {
	return d.gateway.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetSessionStore returns the session store
func (d *Daemon) GetSessionStore() *session.Store {
	return d.sessions
}

// GetScheduler returns the job scheduler
func (d *Daemon) GetScheduler() *cron.Service {
	return d.scheduler
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gateway
}
