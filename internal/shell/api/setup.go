// Package api serves a read-only HTTP view of executions, checkpoints,
// audit events and capabilities.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/api/middleware"
	"github.com/artpar/conductor/internal/shell/api/openapi"
	"github.com/artpar/conductor/internal/shell/store"
)

// =============================================================================
// API Setup
// =============================================================================

// Config holds configuration for the API.
type Config struct {
	Store store.Store

	// Registry answers /api/v1/capabilities without a profile parameter.
	// Nil means the single profile's recommended set.
	Registry *capability.Registry

	// Token enables bearer-token authentication for everything except
	// /health.
	Token   string
	Version string
	Logger  *slog.Logger
}

// NewRouter creates the API handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger.With("component", "api")

	h := &handlers{store: cfg.Store, registry: cfg.Registry, logger: logger}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware(logger))
	router.Use(loggingMiddleware(logger))
	router.Use(middleware.NewAuthMiddleware(middleware.AuthConfig{
		Token:  cfg.Token,
		Public: []string{"/health"},
		Logger: logger,
	}).Handler)

	router.HandleFunc("/health", healthHandler(cfg.Version)).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/executions", h.listExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", h.getExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/checkpoints", h.listCheckpoints).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/capabilities", h.listCapabilities).Methods(http.MethodGet)

	router.HandleFunc("/openapi.json", Document(cfg.Version).Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "the API is read-only")
	})
	return router
}

// Document describes the API routes.
func Document(version string) *openapi.Generator {
	gen := openapi.NewGenerator(
		openapi.WithTitle("Conductor API"),
		openapi.WithVersion(version),
		openapi.WithDescription("Read-only view of deployment executions, checkpoints and capabilities"),
	)

	id := openapi.Param{Name: "id", In: "path", Description: "execution ID"}
	gen.Register(openapi.Route{
		Path:        "/api/v1/executions",
		OperationID: "listExecutions",
		Summary:     "List executions, newest first",
		Tag:         "Executions",
		Model:       domain.DeploymentExecution{},
		List:        true,
		Params: []openapi.Param{
			{Name: "status", In: "query", Description: "filter by execution status"},
			{Name: "page[size]", In: "query", Type: "integer"},
			{Name: "page[offset]", In: "query", Type: "integer"},
		},
	})
	gen.Register(openapi.Route{
		Path:        "/api/v1/executions/{id}",
		OperationID: "getExecution",
		Summary:     "Get an execution",
		Tag:         "Executions",
		Model:       domain.DeploymentExecution{},
		Params:      []openapi.Param{id},
	})
	gen.Register(openapi.Route{
		Path:        "/api/v1/executions/{id}/checkpoints",
		OperationID: "listCheckpoints",
		Summary:     "List every stored checkpoint version of an execution",
		Tag:         "Executions",
		Model:       CheckpointView{},
		List:        true,
		Params:      []openapi.Param{id},
	})
	gen.Register(openapi.Route{
		Path:        "/api/v1/executions/{id}/events",
		OperationID: "listEvents",
		Summary:     "List the audit events of an execution",
		Tag:         "Executions",
		Model:       domain.AuditEvent{},
		List:        true,
		Params:      []openapi.Param{id},
	})
	gen.Register(openapi.Route{
		Path:        "/api/v1/capabilities",
		OperationID: "listCapabilities",
		Summary:     "List catalog capabilities and whether they are enabled",
		Tag:         "Capabilities",
		Model:       capability.ReportEntry{},
		List:        true,
		Params: []openapi.Param{
			{Name: "profile", In: "query", Description: "single, portfolio or enterprise"},
		},
	})
	gen.Register(openapi.Route{
		Path:        "/health",
		OperationID: "health",
		Summary:     "Liveness",
		Tag:         "System",
		Model:       HealthResponse{},
	})
	return gen
}

// =============================================================================
// Response Types
// =============================================================================

// CheckpointView is a checkpoint without its raw payload.
type CheckpointView struct {
	Phase     domain.Phase       `json:"phase"`
	Version   int64              `json:"version"`
	Checksum  string             `json:"checksum"`
	CreatedAt time.Time          `json:"created_at"`
	Valid     bool               `json:"valid"`
	Status    domain.PhaseStatus `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
	Size      int                `json:"size"`
}

func newCheckpointView(cp checkpoint.Checkpoint) CheckpointView {
	v := CheckpointView{
		Phase:     cp.Phase,
		Version:   cp.Version,
		Checksum:  cp.Checksum,
		CreatedAt: cp.CreatedAt,
		Size:      len(cp.Payload),
	}
	if err := cp.Verify(); err != nil {
		v.Error = err.Error()
		return v
	}
	res, err := checkpoint.DecodeResult(cp.Payload)
	if err != nil {
		v.Error = err.Error()
		return v
	}
	v.Valid = true
	v.Status = res.Status
	v.Error = res.Error
	return v
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListMeta describes a page of results.
type ListMeta struct {
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDMiddleware echoes or generates a request ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns a 500 error.
func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
				"request_id", w.Header().Get("X-Request-ID"),
			)
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: version})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	middleware.WriteJSONError(w, status, http.StatusText(status), detail)
}
