// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-livesync/livesync"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Addr string
	// Collections lists the collection names the server exposes.
	Collections []string
	JWTSecret   string
	// AllowDevSignin enables POST /dev/signin, which issues a token for any
	// user without checking a password.
	AllowDevSignin bool
	TokenTTL       time.Duration
	// PingInterval is the websocket keepalive period. A subscriber that does
	// not answer within two intervals is disconnected.
	PingInterval time.Duration
	// SubscriberBuffer is the number of change events queued per websocket
	// subscriber before it is dropped as too slow.
	SubscriberBuffer int
	MaxBodyBytes     int64
	LogRequests      bool
	Logger           *slog.Logger
}

// DefaultServerConfig returns a config with sensible defaults and no collections.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:             ":8080",
		TokenTTL:         time.Hour,
		PingInterval:     30 * time.Second,
		SubscriberBuffer: 256,
		MaxBodyBytes:     8 << 20,
	}
}

// Server holds the initialized server components
type Server struct {
	Handler  http.Handler
	Handlers *Handlers
	JWTAuth  *JWTAuth
	Metrics  *Metrics
	Logger   *slog.Logger
}

// NewServer wires handlers, authentication and metrics around remote.
func NewServer(remote livesync.Remote, config *ServerConfig) (*Server, error) {
	if remote == nil {
		return nil, errors.New("remote is required")
	}
	cfg := *DefaultServerConfig()
	if config != nil {
		cfg = *config
	}
	defaults := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, name := range cfg.Collections {
		if err := livesync.ValidateCollectionName(name); err != nil {
			return nil, fmt.Errorf("invalid collection %q: %w", name, err)
		}
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret is required")
	}

	jwtAuth := NewJWTAuth(cfg.JWTSecret, logger)
	metrics := NewMetrics()
	handlers := NewHandlers(remote, &cfg, metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if cfg.AllowDevSignin {
		logger.Warn("Dev signin endpoint is enabled - do not use in production")
		mux.HandleFunc("POST /dev/signin", handleDevSignin(jwtAuth, cfg.TokenTTL, logger))
	}

	protect := func(h http.HandlerFunc) http.Handler {
		return LoggingMiddleware(cfg.LogRequests, jwtAuth.Middleware(h), logger)
	}
	mux.Handle("GET /v1/collections/{name}", protect(handlers.HandleFetchAll))
	mux.Handle("GET /v1/collections/{name}/subscribe", protect(handlers.HandleSubscribe))
	mux.Handle("PUT /v1/collections/{name}/rows/{id}", protect(handlers.HandleUpsertOne))
	mux.Handle("DELETE /v1/collections/{name}/rows/{id}", protect(handlers.HandleDeleteOne))
	mux.Handle("POST /v1/collections/{name}/upsert", protect(handlers.HandleBulkUpsert))
	mux.Handle("POST /v1/collections/{name}/delete", protect(handlers.HandleBulkDelete))

	return &Server{
		Handler:  mux,
		Handlers: handlers,
		JWTAuth:  jwtAuth,
		Metrics:  metrics,
		Logger:   logger,
	}, nil
}

// HTTPServer returns an *http.Server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.Handlers.cfg.Addr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Close ends open change streams. Call it after http.Server.Shutdown, which
// does not track hijacked websocket connections.
func (s *Server) Close() {
	s.Handlers.Close()
}

// SigninRequest is the body of POST /dev/signin.
type SigninRequest struct {
	User   string `json:"user"`
	Device string `json:"device"`
}

type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

// handleDevSignin returns a token for the requested user and device; any
// caller is accepted.
func handleDevSignin(jwtAuth *JWTAuth, ttl time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SigninRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, logger, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON")
			return
		}
		if req.User == "" {
			writeError(w, logger, http.StatusBadRequest, CodeInvalidRequest, "user required")
			return
		}
		if req.Device == "" {
			req.Device = uuid.NewString()
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, ttl)
		if err != nil {
			writeError(w, logger, http.StatusInternalServerError, codeInternal, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SigninResponse{
			Token:     tok,
			ExpiresIn: int64(ttl.Seconds()),
			User:      req.User,
			Device:    req.Device,
		})
		logger.Info("Issued dev token", "user", req.User, "device", req.Device)
	}
}

// LoggingMiddleware logs every request with its status and duration
func LoggingMiddleware(enableLogging bool, next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
