// Package api exposes the automation core over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/model"
	"github.com/t77yq/rmm-automation/internal/storage"
)

// Ingester accepts telemetry samples.
type Ingester interface {
	Ingest(ctx context.Context, sample *model.TelemetrySample) (string, error)
}

// AlertRaiser persists alert intents.
type AlertRaiser interface {
	Raise(ctx context.Context, intent model.AlertIntent) (string, error)
}

// WorkflowService is the workflow engine surface used by the handlers.
type WorkflowService interface {
	Submit(ctx context.Context, event model.Event) ([]model.ExecutionResult, error)
	Test(ctx context.Context, workflowID string, event model.Event) ([]model.ActionOutcome, error)
	CreateWorkflow(ctx context.Context, wf *model.Workflow, testEvent *model.Event) ([]model.ActionOutcome, error)
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ScheduleLister lists the configured event schedules.
type ScheduleLister interface {
	ListSchedules() []*model.EventSchedule
}

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the handlers call into. Schedules and
// Gatherer are optional.
type Dependencies struct {
	Ingester  Ingester
	Alerts    AlertRaiser
	Workflows WorkflowService
	Rules     storage.RuleStore
	AlertLog  storage.AlertStore
	Logs      storage.WorkflowLogStore
	Samples   storage.SampleStore
	Schedules ScheduleLister
	Health    Pinger
	Gatherer  prometheus.Gatherer
}

// Handler serves the HTTP API
type Handler struct {
	logger *zap.Logger
	deps   Dependencies
}

func NewHandler(deps Dependencies, logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger.Named("api"),
		deps:   deps,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest", h.ingest)
		r.Get("/devices/{deviceID}/samples", h.listSamples)

		r.Post("/alerts", h.createAlert)
		r.Get("/alerts", h.listAlerts)
		r.Get("/alerts/{id}", h.getAlert)

		r.Post("/alert-rules", h.createRule)
		r.Get("/alert-rules", h.listRules)

		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Delete("/workflows/{id}", h.deleteWorkflow)
		r.Post("/workflows/{id}/test", h.testWorkflow)

		r.Post("/events", h.submitEvent)
		r.Get("/workflow-logs", h.listLogs)

		r.Get("/schedules", h.listSchedules)
	})
	return r
}

// requestLogger logs one line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
