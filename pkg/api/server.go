// Package api exposes the daemon's REST surface: compilation jobs,
// endpoints, invocation, and settings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/castiron/crucible/internal/config"
	"github.com/castiron/crucible/internal/core/domain"
	"github.com/castiron/crucible/internal/core/services"
)

const maxInvokePayload = 10 << 20 // 10 MiB

type Server struct {
	logger   *slog.Logger
	compile  *services.CompileService
	hosting  *services.HostingService
	packager *services.Packager
	bus      *services.EventBus
	settings *config.SettingsStore
}

func NewServer(
	logger *slog.Logger,
	compile *services.CompileService,
	hosting *services.HostingService,
	packager *services.Packager,
	bus *services.EventBus,
	settings *config.SettingsStore,
) *Server {
	return &Server{
		logger:   logger,
		compile:  compile,
		hosting:  hosting,
		packager: packager,
		bus:      bus,
		settings: settings,
	}
}

// Router builds the chi handler for the full API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/openapi.json", s.handleOpenAPIDoc)

		r.Post("/models/package", s.handlePackageModel)

		r.Post("/compilations", s.handleSubmitCompilation)
		r.Get("/compilations", s.handleListCompilations)
		r.Get("/compilations/{name}", s.handleGetCompilation)
		r.Post("/compilations/{name}/stop", s.handleStopCompilation)
		r.Get("/compilations/{name}/events", s.handleCompilationEvents)

		r.Post("/endpoints", s.handleDeployEndpoint)
		r.Get("/endpoints", s.handleListEndpoints)
		r.Get("/endpoints/{name}", s.handleGetEndpoint)
		r.Delete("/endpoints/{name}", s.handleDeleteEndpoint)
		r.Post("/endpoints/{name}/invoke", s.handleInvokeEndpoint)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})

	return r
}

// handlePackageModel archives an exported model directory into the
// artifact store, returning the locator a compilation submission can
// reference as its input.
func (s *Server) handlePackageModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelDir string `json:"model_dir"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ModelDir == "" || req.Name == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("model_dir and name are required"))
		return
	}

	key := req.Name + "/model.tar.gz"
	location, digest, err := s.packager.PackageModel(req.ModelDir, key)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"location": location,
		"sha256":   digest,
	})
}

func (s *Server) handleSubmitCompilation(w http.ResponseWriter, r *http.Request) {
	var req domain.CompilationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	name, err := s.compile.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"name":   name,
		"status": string(domain.JobStatusSubmitted),
	})
}

func (s *Server) handleListCompilations(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.compile.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []domain.CompilationJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetCompilation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.compile.Describe(r.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStopCompilation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.compile.Stop(r.Context(), name); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCompilationEvents streams job events over SSE until the client
// disconnects.
func (s *Server) handleCompilationEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.compile.Describe(r.Context(), name); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsub := s.bus.Subscribe(name)
	defer unsub()

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", name)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleDeployEndpoint(w http.ResponseWriter, r *http.Request) {
	var req services.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	start := time.Now()
	ep, err := s.hosting.Deploy(r.Context(), req)
	if err != nil {
		var failed *domain.EndpointFailedError
		if errors.As(err, &failed) {
			// The endpoint record carries the failure reason.
			writeJSON(w, http.StatusBadGateway, ep)
			return
		}
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Info("endpoint deployed via API",
		"endpoint", ep.Name,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.hosting.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if endpoints == nil {
		endpoints = []domain.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints, "count": len(endpoints)})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ep, err := s.hosting.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.hosting.Teardown(r.Context(), name); err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvokeEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxInvokePayload+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read payload: %w", err))
		return
	}
	if len(payload) > maxInvokePayload {
		writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("payload exceeds %d bytes", maxInvokePayload))
		return
	}

	result, resultType, err := s.hosting.Invoke(r.Context(), name, r.Header.Get("Content-Type"), payload)
	if err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeErr(w, http.StatusBadGateway, err)
		return
	}

	if resultType == "" {
		resultType = "application/json"
	}
	w.Header().Set("Content-Type", resultType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.settings.UpdateConfig(r.Context(), &update); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
