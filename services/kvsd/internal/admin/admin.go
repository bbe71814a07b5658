package admin

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/greymass/kvs/libraries/kvproto"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/libraries/openapi"
	"github.com/greymass/kvs/libraries/server"
	"github.com/greymass/kvs/services/kvsd/internal/dispatch"
	"github.com/greymass/kvs/services/kvsd/internal/engine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed openapi.yaml
var openapiYAML []byte

type Config struct {
	Version string

	// Per-IP request rate; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Server is the admin HTTP surface. Key operations go through the same
// dispatcher as the binary protocol.
type Server struct {
	engine     engine.Engine
	dispatcher *dispatch.Dispatcher
	spec       *openapi.Spec
	handler    http.Handler
	http       *http.Server
}

var routes = []string{
	"GET /health",
	"GET /stats",
	"POST /compact",
	"GET /v1/kv/{key}",
	"PUT /v1/kv/{key}",
	"DELETE /v1/kv/{key}",
	"GET /metrics",
	"GET /openapi",
}

func New(e engine.Engine, d *dispatch.Dispatcher, cfg Config) (*Server, error) {
	spec, err := openapi.Load(openapiYAML, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	s := &Server{engine: e, dispatcher: d, spec: spec}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /compact", s.handleCompact)
	mux.HandleFunc("GET /v1/kv/{key}", s.handleGet)
	mux.HandleFunc("PUT /v1/kv/{key}", s.handleSet)
	mux.HandleFunc("DELETE /v1/kv/{key}", s.handleRemove)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /openapi", spec.Handler())

	registered := make(map[string]bool, len(routes))
	for _, route := range routes {
		registered[route] = true
	}
	if err := spec.ValidateRoutes(registered); err != nil {
		return nil, err
	}

	var handler http.Handler = mux
	if cfg.RequestsPerSecond > 0 {
		handler = NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst).Middleware(handler)
	}
	s.handler = loggingMiddleware(handler)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen serves on a TCP address or unix socket and returns the bound
// address.
func (s *Server) Listen(address string) (net.Addr, error) {
	listener, err := server.Listen(address)
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warning("Admin HTTP server error: %v", err)
		}
	}()
	logger.Printf("admin", "Admin HTTP listening on %s (%d operations)", listener.Addr(), len(s.spec.Operations()))
	return listener.Addr(), nil
}

func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := s.dispatcher.Execute(r.Context(), &kvproto.Request{Type: kvproto.MsgTypeCompact})
	if resp.Type == kvproto.MsgTypeError {
		writeResponseError(w, resp)
		return
	}
	stats := s.engine.Stats()
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"duration": time.Since(start).String(),
		"stats":    stats,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	resp := s.dispatcher.Execute(r.Context(), &kvproto.Request{
		Type: kvproto.MsgTypeGet,
		Key:  []byte(r.PathValue("key")),
	})
	switch {
	case resp.Type == kvproto.MsgTypeError:
		writeResponseError(w, resp)
	case !resp.Found:
		server.WriteError(w, http.StatusNotFound, kvproto.ErrorCodeKeyNotFound, "Key not found")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Value)
	}
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, kvproto.MaxMessageSize+1))
	if err != nil {
		server.WriteError(w, http.StatusBadRequest, kvproto.ErrorCodeInvalidRequest, err.Error())
		return
	}
	if len(value) > kvproto.MaxMessageSize {
		server.WriteError(w, http.StatusRequestEntityTooLarge, kvproto.ErrorCodeInvalidRequest, "value too large")
		return
	}
	resp := s.dispatcher.Execute(r.Context(), &kvproto.Request{
		Type:  kvproto.MsgTypeSet,
		Key:   []byte(r.PathValue("key")),
		Value: value,
	})
	if resp.Type == kvproto.MsgTypeError {
		writeResponseError(w, resp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	resp := s.dispatcher.Execute(r.Context(), &kvproto.Request{
		Type: kvproto.MsgTypeRemove,
		Key:  []byte(r.PathValue("key")),
	})
	if resp.Type == kvproto.MsgTypeError {
		writeResponseError(w, resp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeResponseError(w http.ResponseWriter, resp *kvproto.Response) {
	status := http.StatusInternalServerError
	switch resp.Code {
	case kvproto.ErrorCodeKeyNotFound:
		status = http.StatusNotFound
	case kvproto.ErrorCodeInvalidRequest:
		status = http.StatusBadRequest
	case kvproto.ErrorCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	server.WriteError(w, status, resp.Code, resp.Message)
}
