// Package api serves the dashboard-facing HTTP endpoints.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"procure/internal"
	"procure/internal/monitoring"
	"procure/internal/sourcing"
	"procure/internal/storage"
)

const maxBodyBytes = 1 << 20

type IntegrationStore interface {
	CreateIntegration(ctx context.Context, in *internal.EmailIntegration) error
	DeleteIntegration(ctx context.Context, id string) error
}

type TeamStore interface {
	CreateTeamMember(ctx context.Context, m *internal.TeamMember) error
	ListTeamMembers(ctx context.Context, userID string) ([]internal.TeamMember, error)
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type Deps struct {
	Sourcing     *sourcing.Service
	Integrations IntegrationStore
	Team         TeamStore
	Vault        Encrypter
	DB           *sql.DB
	Metrics      *monitoring.Metrics
	Log          *zap.Logger
}

type Handler struct {
	sourcing     *sourcing.Service
	integrations IntegrationStore
	team         TeamStore
	vault        Encrypter
	metrics      *monitoring.Metrics
	log          *zap.Logger
	health       healthcheck.Handler
	now          func() time.Time
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	if d.DB != nil {
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(d.DB, 2*time.Second))
	}
	return &Handler{
		sourcing:     d.Sourcing,
		integrations: d.Integrations,
		team:         d.Team,
		vault:        d.Vault,
		metrics:      d.Metrics,
		log:          log.Named("api"),
		health:       health,
		now:          time.Now,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", h.Health)
	r.Get("/health/live", h.health.LiveEndpoint)
	r.Get("/health/ready", h.health.ReadyEndpoint)
	r.Handle("/metrics", h.metrics.HTTPHandler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/email-integration", h.CreateIntegration)
		r.Delete("/email-integration/{id}", h.DeleteIntegration)

		r.Get("/team-members", h.ListTeamMembers)
		r.Post("/team-members", h.CreateTeamMember)

		r.Post("/requests", h.SubmitRequest)
		r.Route("/requests/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequest)
			r.Get("/options", h.ListOptions)
			r.Post("/select", h.SelectOption)
			r.Post("/approve", h.Approve)
			r.Post("/reject", h.Reject)
			r.Put("/assignee", h.Assign)
		})
	})
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		h.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// cors allows the browser dashboard, served from another origin, to call
// the API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sourcing.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, sourcing.ErrOptionMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, sourcing.ErrAlreadyDecided):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
