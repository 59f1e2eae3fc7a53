// Package api serves latch telemetry and control over HTTP and WebSocket.
//
// REST endpoints issue latch commands and return status. WebSocket clients
// receive every controller event as a JSON-RPC notification and may call
// the same commands as JSON-RPC methods.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"head-restraint-go/pkg/latch"
	"head-restraint-go/pkg/log"
)

// Version is reported by server.info.
const Version = "0.3.0"

// Controller is the latch controller surface the server drives.
type Controller interface {
	HomeLatches()
	CloseLatches()
	ReleaseLatches()
	EnableLatches()
	DisableLatches()
	StopLatches()
	Status() latch.Status
	Subscribe(func(latch.Event)) (cancel func())
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP address to listen on (e.g. ":7130").
	Addr string

	Controller Controller

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	Logger *log.Logger
}

// Server is the telemetry and control server.
type Server struct {
	ctl     Controller
	metrics http.Handler
	logger  *log.Logger

	httpServer *http.Server
	addr       string
	router     chi.Router

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	unsubscribe func()
	stopped     atomic.Bool
	startTime   time.Time
}

// New creates a server and subscribes it to controller events.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		ctl:       cfg.Controller,
		metrics:   cfg.Metrics,
		logger:    logger.WithPrefix("api"),
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	s.router = s.routes()
	s.unsubscribe = s.ctl.Subscribe(s.broadcastEvent)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.corsMiddleware)

	r.Get("/server/info", s.handleServerInfo)
	r.Post("/jsonrpc", s.handleJSONRPC)
	r.Get("/websocket", s.handleWebSocket)

	r.Route("/latches", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/{command}", s.handleCommand)
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
		r.Method(http.MethodHead, "/metrics", s.metrics)
	}
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address. It returns nil once Stop has
// been called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting on %s", s.addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every WebSocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// commands maps command names to controller calls. The same names are used
// by the REST routes and, prefixed with "latches.", by JSON-RPC.
func (s *Server) commands() map[string]func() {
	return map[string]func(){
		"home":    s.ctl.HomeLatches,
		"close":   s.ctl.CloseLatches,
		"release": s.ctl.ReleaseLatches,
		"enable":  s.ctl.EnableLatches,
		"disable": s.ctl.DisableLatches,
		"stop":    s.ctl.StopLatches,
	}
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
)

type methodError struct {
	code int
	msg  string
}

// dispatchMethod routes a JSON-RPC method call.
func (s *Server) dispatchMethod(method string) (any, *methodError) {
	switch method {
	case "server.info":
		return s.serverInfo(), nil
	case "latches.status":
		return s.ctl.Status(), nil
	}

	const prefix = "latches."
	if len(method) > len(prefix) && method[:len(prefix)] == prefix {
		if cmd, ok := s.commands()[method[len(prefix):]]; ok {
			cmd()
			return "ok", nil
		}
	}
	return nil, &methodError{code: codeMethodNotFound, msg: fmt.Sprintf("method not found: %s", method)}
}

type serverInfo struct {
	Version        string  `json:"version"`
	Hostname       string  `json:"hostname"`
	Uptime         float64 `json:"uptime"`
	WebsocketCount int     `json:"websocket_count"`
}

func (s *Server) serverInfo() serverInfo {
	hostname, _ := os.Hostname()
	return serverInfo{
		Version:        Version,
		Hostname:       hostname,
		Uptime:         time.Since(s.startTime).Seconds(),
		WebsocketCount: s.ClientCount(),
	}
}

// HTTP handlers

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.serverInfo())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.ctl.Status())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "command")
	cmd, ok := s.commands()[name]
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errResponse{Error: "unknown command " + name})
		return
	}
	s.logger.Info("command %s from %s", name, r.RemoteAddr)
	cmd()
	render.NoContent(w, r)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.JSON(w, r, rpcError(nil, codeParseError, "Parse error"))
		return
	}
	result, merr := s.dispatchMethod(req.Method)
	if merr != nil {
		render.JSON(w, r, rpcError(req.ID, merr.code, merr.msg))
		return
	}
	render.JSON(w, r, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func rpcError(id any, code int, message string) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

// broadcastEvent pushes a controller event to every WebSocket client.
func (s *Server) broadcastEvent(ev latch.Event) {
	if s.stopped.Load() {
		return
	}
	msg := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_latch_event",
		Params:  []any{ev},
	}
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}
