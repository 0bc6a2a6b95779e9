package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rulesets/internal/logger"
	"github.com/liamcoop/rulesets/rules"
)

type Server struct {
	engine   *rules.Engine
	gatherer prometheus.Gatherer
	health   func(context.Context) error
	router   *chi.Mux
}

// NewServer exposes engine over HTTP. A nil gatherer disables /metrics and a
// nil health check always reports healthy.
func NewServer(engine *rules.Engine, gatherer prometheus.Gatherer, health func(context.Context) error) *Server {
	s := &Server{
		engine:   engine,
		gatherer: gatherer,
		health:   health,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/api/v1/validate", s.handleValidate)

	r.Route("/api/v1/rulesets", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleDeploy)
		r.Put("/", s.handleUpdate)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleUpdateByID)
			r.Delete("/", s.handleUndeploy)
			r.Put("/status", s.handleSetStatus)
			r.Post("/validate", s.handleValidateExisting)
			r.Post("/reload", s.handleReload)
			r.Post("/execute", s.handleExecute)
			r.Post("/execute/batch", s.handleExecuteBatch)
			r.Get("/metrics", s.handleMetrics)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request at debug level and counts error responses
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.CountHTTPStatus(status)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"ruleSets": len(s.engine.ListAll(r.Context())),
		"counters": logger.Counters(),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ContentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Validate(req.Content))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.engine.ListAll(r.Context())
	respondJSON(w, http.StatusOK, ListResponse{RuleSets: list, Count: len(list)})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req ContentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	respondDeployment(w, http.StatusCreated, s.engine.Deploy(r.Context(), req.Content))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	respondDeployment(w, http.StatusOK, s.engine.Update(r.Context(), req.Content, req.Version))
}

func (s *Server) handleUpdateByID(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	respondDeployment(w, http.StatusOK, s.engine.UpdateByID(r.Context(), id, req.Content, req.Version))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta := s.engine.GetMetadata(r.Context(), id)
	if meta == nil {
		respondError(w, http.StatusNotFound, "rule set not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

// handleUndeploy accepts a rule set id or a version
func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	if err := s.engine.Undeploy(r.Context(), ref); err != nil {
		respondError(w, statusFor(err), "failed to undeploy rule set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.SetStatus(r.Context(), id, req.Status); err != nil {
		respondError(w, statusFor(err), "failed to set status", err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.GetMetadata(r.Context(), id))
}

func (s *Server) handleValidateExisting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	respondJSON(w, http.StatusOK, s.engine.ValidateExisting(r.Context(), id))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Reload(r.Context(), id); err != nil {
		respondError(w, statusFor(err), "failed to reload rule set", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Facts == nil {
		req.Facts = map[string]any{}
	}

	id := chi.URLParam(r, "id")
	res, err := s.engine.Execute(r.Context(), id, req.Facts)
	if err != nil {
		respondError(w, statusFor(err), "execution failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := chi.URLParam(r, "id")
	if s.engine.GetMetadata(r.Context(), id) == nil {
		respondError(w, http.StatusNotFound, "rule set not found", nil)
		return
	}

	factSets := make([]rules.Facts, len(req.FactSets))
	for i, f := range req.FactSets {
		factSets[i] = f
	}

	results := s.engine.ExecuteBatch(r.Context(), id, factSets)
	resp := BatchResponse{Results: results}
	for _, res := range results {
		if res == nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.engine.GetMetadata(r.Context(), id) == nil {
		respondError(w, http.StatusNotFound, "rule set not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, MetricsResponse{
		Execution: s.engine.GetExecutionMetrics(id),
		Cache:     s.engine.GetCacheMetrics(id),
	})
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrContentMissing):
		return http.StatusGone
	case errors.Is(err, rules.ErrAmbiguousVersion), errors.Is(err, rules.ErrDeleted):
		return http.StatusConflict
	case errors.Is(err, rules.ErrInvalidStatus),
		errors.Is(err, rules.ErrInvalidVersion),
		errors.Is(err, rules.ErrVersionRegression):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrExecution), errors.Is(err, rules.ErrCompilation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondDeployment(w http.ResponseWriter, okStatus int, res rules.DeploymentResult) {
	if !res.Successful {
		respondJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	respondJSON(w, okStatus, res)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
