package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/backend"
	"github.com/harun/agentgate/pkg/pipeline"
	"github.com/harun/agentgate/pkg/transcript"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxRequestBytes = 1 << 20
	shutdownGrace   = 30 * time.Second
)

// SessionAdmin is the part of the session manager the RPC surface needs
type SessionAdmin interface {
	Delete(ctx context.Context, conversationID string) (bool, error)
	Count() int
}

// AgentCatalog lists registered pipelines. *pipeline.Registry implements it.
type AgentCatalog interface {
	List() []pipeline.Definition
}

// Config holds server configuration
type Config struct {
	Host string
	Port int

	Front       *Front
	Sessions    SessionAdmin      // optional, enables sessions.delete
	Transcripts *transcript.Store // optional, enables sessions.history
	Agents      AgentCatalog
	Health      backend.HealthChecker // optional

	RequestsPerMinute int
	MaxConcurrent     int
	TickInterval      time.Duration
	Logger            zerolog.Logger
}

// Server exposes the Front over HTTP JSON-RPC and WebSocket
type Server struct {
	host         string
	port         int
	tickInterval time.Duration

	front       *Front
	sessions    SessionAdmin
	transcripts *transcript.Store
	agents      AgentCatalog
	health      backend.HealthChecker

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	broadcaster *EventBroadcaster
	httpLimits  *limiterSet
	logger      zerolog.Logger

	requestsPerMinute int
	maxConcurrent     int

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Front == nil {
		return nil, fmt.Errorf("front is required")
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}

	clients := NewClientRegistry()
	s := &Server{
		host:              cfg.Host,
		port:              cfg.Port,
		tickInterval:      cfg.TickInterval,
		front:             cfg.Front,
		sessions:          cfg.Sessions,
		transcripts:       cfg.Transcripts,
		agents:            cfg.Agents,
		health:            cfg.Health,
		clients:           clients,
		router:            NewRPCRouter(),
		broadcaster:       NewEventBroadcaster(clients, cfg.Logger),
		httpLimits:        newLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:            cfg.Logger,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	cfg.Front.Events().Subscribe(s.broadcaster.BroadcastTyped)
	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes every connection
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Shutdown grace period elapsed, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown canceled, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{
					"clients": s.clients.Count(),
					"lanes":   s.front.queue.LaneCount(),
				})
				s.httpLimits.sweep()
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent),
	}
	s.clients.Add(client)

	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage routes one WebSocket frame. Requests run concurrently; the
// response is written when the handler returns.
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", rpcErrorFrom(err))
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, &RPCError{Code: InternalError, Message: "server is shutting down"})
		return
	}

	if ok, reason := client.RateLimiter.Acquire(); !ok {
		s.sendError(client, req.ID, limitError(reason))
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := withClientID(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC serves one JSON-RPC request over plain HTTP
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErrorFrom(err)})
		return
	}
	if key := r.Header.Get("X-Request-ID"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
		if req.Params == nil {
			req.Params = map[string]interface{}{}
		}
		if _, set := req.Params["request_id"]; !set {
			req.Params["request_id"] = key
		}
	}

	host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		host = r.RemoteAddr
	}
	limiter := s.httpLimits.get(host)
	if ok, reason := limiter.Acquire(); !ok {
		writeJSON(w, http.StatusTooManyRequests, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: limitError(reason)})
		return
	}
	defer limiter.Release()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := withClientID(tracing.WithTraceID(r.Context(), traceID), host)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	writeJSON(w, http.StatusOK, s.router.RouteRequest(ctx, req))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func limitError(reason string) *RPCError {
	code := RateLimitExceeded
	if reason == reasonConcurrent {
		code = TooManyConcurrent
	}
	return &RPCError{Code: code, Message: reason}
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	response := RPCResponse{ID: requestID, JSONRPC: "2.0", Error: rpcErr}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// Broadcast sends a lifecycle event to every client
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds or replaces an RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients describes the connected WebSocket clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
