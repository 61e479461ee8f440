// Package shim is the in-container serving front. It answers the
// hosting runtime's health checks on /ping and forwards /invocations to
// the model server process running next to it.
package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// Config holds the shim configuration.
type Config struct {
	Port        int
	UpstreamURL string // model server base URL, e.g. http://127.0.0.1:9000
}

type Server struct {
	server   *http.Server
	logger   *slog.Logger
	cfg      Config
	upstream *url.URL
	probe    *http.Client
}

func NewServer(logger *slog.Logger, cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = "http://127.0.0.1:9000"
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %s: %w", cfg.UpstreamURL, err)
	}

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		upstream: upstream,
		probe:    &http.Client{Timeout: 2 * time.Second},
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("upstream proxy error", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"model server unavailable"}`))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.Handle("/invocations", proxy)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s, nil
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting serving shim", "addr", s.server.Addr, "upstream", s.cfg.UpstreamURL)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shim server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handlePing reports healthy only once the model server answers its own
// ping. The hosting runtime keeps the endpoint CREATING until then.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.upstream.String()+"/ping", nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	resp, err := s.probe.Do(req)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
