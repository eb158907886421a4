// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = "127.0.0.1:8787"

	// DefaultKeepalive is the interval of SSE comment frames.
	DefaultKeepalive = 15 * time.Second

	// MaxRequestBodySize bounds JSON request bodies.
	MaxRequestBodySize = 1 << 20

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// Version is reported by /health.
	Version = "0.3.0"
)

// Options configures a Server.
type Options struct {
	Addr string

	Store store.Store
	// Senders returns the transport for a selectable chat model id.
	Senders func(chatModelID string) transport.Sender
	Titles  controller.TitleSource
	UserID  string

	Throttle  time.Duration
	Keepalive time.Duration

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	Logger *zap.Logger
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the local HTTP API.
type Server struct {
	opts    Options
	logger  *zap.Logger
	limiter *RateLimiter
	handler http.Handler
	started time.Time

	mu     sync.Mutex
	active map[string]*controller.Controller
	server *http.Server
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	s := &Server{
		opts:    opts,
		logger:  logging.OrGlobal(opts.Logger).Named("server"),
		limiter: NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		started: time.Now(),
		active:  make(map[string]*controller.Controller),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, chaterr.NotFound("api", "Route not found"))
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(s.limiter))
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/{id}", s.handleRenameChat).Methods(http.MethodPatch)
	api.HandleFunc("/chat/{id}", s.handleDeleteChat).Methods(http.MethodDelete)
	api.HandleFunc("/chat/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/user/data", s.handleDeleteUserData).Methods(http.MethodDelete)
	api.HandleFunc("/model", s.handleGetModel).Methods(http.MethodGet)
	api.HandleFunc("/model", s.handleSetModel).Methods(http.MethodPut)

	handler := Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
	)(r)
	if len(s.opts.CORSOrigins) > 0 {
		handler = corsHandler(s.opts.CORSOrigins).Handler(handler)
	}
	return handler
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Run listens on the configured address and serves until ctx is done, then
// stops in-flight generations and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: streams are long-lived.
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("server_listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.logger.Info("server_stopped", zap.Error(err))
	return err
}

// track registers the controller generating for chatID. It fails when one
// is already active.
func (s *Server) track(chatID string, ctrl *controller.Controller) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[chatID]; busy {
		return false
	}
	s.active[chatID] = ctrl
	return true
}

func (s *Server) untrack(chatID string, ctrl *controller.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[chatID] == ctrl {
		delete(s.active, chatID)
	}
}

// stop aborts the generation for chatID, if any.
func (s *Server) stop(chatID string) {
	s.mu.Lock()
	ctrl := s.active[chatID]
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}
}

func (s *Server) stopAll() {
	s.mu.Lock()
	ctrls := make([]*controller.Controller, 0, len(s.active))
	for _, c := range s.active {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Stop()
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// writeError maps err to a status and the {code, message} error body.
// Unclassified errors are reported without detail.
func writeError(w http.ResponseWriter, err error) {
	status := chaterr.StatusCode(err)
	if errors.Is(err, controller.ErrBusy) {
		status = http.StatusConflict
	}

	body := errorResponse{Code: "internal", Message: "internal server error"}
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		body.Code = ce.Code
		body.Message = ce.Message
		if ce.Kind == chaterr.KindValidation && ce.Err != nil {
			body.Cause = ce.Err.Error()
		}
	} else if status == http.StatusConflict {
		body = errorResponse{Code: "conflict:chat", Message: err.Error()}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return chaterr.Validation("Invalid request body", err)
	}
	return nil
}
