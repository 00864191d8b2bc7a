package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/vigil/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrAddressInUse means another process already owns the listen address.
	ErrAddressInUse = errors.New("address already in use")
	ErrNotStarted   = errors.New("gateway not started")
)

// Config holds server configuration
type Config struct {
	// Addr is host:port. Port 0 picks a free port; see Addr().
	Addr         string
	SharedSecret string
	// TickInterval paces the "tick" keepalive event; zero disables it.
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int

	Runtime   Runtime
	Sessions  SessionStore
	Approvals Approvals
	Scheduler Scheduler

	// Listener is a socket bound by Listen. Start binds Addr when nil.
	Listener net.Listener

	Logger zerolog.Logger
}

// Server is the control plane. One listener carries the /ws websocket,
// one-shot POST /rpc, /healthz and /metrics.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	auth        *AuthHandler
	rpc         *RPCRouter
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader

	runtime   Runtime
	sessions  SessionStore
	approvals Approvals
	scheduler Scheduler

	http     *http.Server
	listener net.Listener
	serveErr chan error

	draining atomic.Bool
	inflight sync.WaitGroup
	quit     chan struct{}
	bg       sync.WaitGroup
}

// NewServer validates cfg and registers the built-in methods. Nothing is
// bound until Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" && cfg.Listener == nil {
		return nil, errors.New("listen address is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	observability.EnsureRegistered()

	clients := NewClientRegistry()
	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		auth:        NewAuthHandler(cfg.SharedSecret),
		rpc:         NewRPCRouter(),
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		runtime:     cfg.Runtime,
		sessions:    cfg.Sessions,
		approvals:   cfg.Approvals,
		scheduler:   cfg.Scheduler,
		quit:        make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.registerBuiltinMethods()
	return s, nil
}

// Listen binds addr. A conflict is reported as ErrAddressInUse.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	case err != nil:
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Start serves in the background on the configured listener, binding Addr
// first when there is none. A bind conflict is reported synchronously as
// ErrAddressInUse.
func (s *Server) Start() error {
	ln := s.cfg.Listener
	if ln == nil {
		var err error
		if ln, err = Listen(s.cfg.Addr); err != nil {
			return err
		}
	}
	s.listener = ln

	s.http = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	s.serveErr = make(chan error, 1)
	go func() {
		defer close(s.serveErr)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway listener failed")
			s.serveErr <- err
		}
	}()

	if s.cfg.TickInterval > 0 {
		s.bg.Add(1)
		go s.tick(s.cfg.TickInterval)
	}

	methods := s.rpc.Methods()
	sort.Strings(methods)
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.auth.Enabled()).
		Strs("methods", methods).
		Msg("Gateway listening")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	return mux
}

func (s *Server) tick(every time.Duration) {
	defer s.bg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			s.broadcaster.Broadcast("tick", map[string]interface{}{"status": "alive"})
		}
	}
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Done yields a serve error, then closes when the server exits.
func (s *Server) Done() <-chan error {
	return s.serveErr
}

// Stop refuses new work, waits for in-flight requests until ctx ends, closes
// every client and shuts the listener down. Later calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return ErrNotStarted
	}
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("Gateway draining")

	close(s.quit)
	s.bg.Wait()
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{"message": "Server is shutting down"})

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("Gateway stop deadline reached with requests in flight")
	}

	for _, c := range s.clients.All() {
		_ = c.Conn.Close()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(closeCtx); err != nil {
		return fmt.Errorf("shutdown listener: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// Broadcast sends an event to every authenticated client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// Emit broadcasts a run-scoped event. Its signature matches the agent and
// approval-gate event sinks.
func (s *Server) Emit(ctx context.Context, event string, data map[string]any) {
	s.broadcaster.Emit(ctx, event, data)
}

func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// RegisterMethod adds an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.rpc.RegisterMethod(name, handler)
}

// GetConnectedClients describes the open websocket connections.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos(time.Now())
}
