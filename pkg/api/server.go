// Package api serves the node's local HTTP control surface: status and
// health, the discovery registry, publishing and mirroring, the publisher
// keypair, a websocket event feed and Prometheus metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"freepress/pkg/contentstore"
	"freepress/pkg/discovery"
	"freepress/pkg/events"
	"freepress/pkg/health"
	"freepress/pkg/mirror"
	"freepress/pkg/node"
	"freepress/pkg/storage"
	"freepress/pkg/types"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Backend is the node surface the API drives.
type Backend interface {
	Status(ctx context.Context) node.Status
	Health() health.State
	Manifests(f discovery.Filter, order discovery.SortOrder) []types.Manifest
	Publish(ctx context.Context) (*mirror.Result, error)
	Mirror(ctx context.Context, manifestCID string) (types.MirrorRecord, error)
	Unmirror(ctx context.Context, recordCID string) error
	Mirrors(ctx context.Context) ([]types.MirrorRecord, error)
	PublicKey() string
	GenerateKeypair() (string, error)
	Events() *events.Bus
	Gatherer() prometheus.Gatherer
}

type Server struct {
	backend    Backend
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(addr string, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/manifests", s.handleManifests)
	mux.HandleFunc("POST /api/publish", s.handlePublish)
	mux.HandleFunc("GET /api/mirrors", s.handleMirrors)
	mux.HandleFunc("POST /api/mirror", s.handleMirror)
	mux.HandleFunc("DELETE /api/mirror/{cid}", s.handleUnmirror)
	mux.HandleFunc("GET /api/keypair", s.handleKeypair)
	mux.HandleFunc("POST /api/generate-keypair", s.handleGenerateKeypair)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(backend.Gatherer(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           withLogging(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("HTTP API listening", zap.String("address", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP API shutdown incomplete", zap.Error(err))
		return s.httpServer.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mirror.ErrBusy), errors.Is(err, node.ErrKeypairExists):
		return http.StatusConflict
	case errors.Is(err, node.ErrUnknownManifest), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contentstore.ErrUnavailable), errors.Is(err, mirror.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, contentstore.ErrNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
