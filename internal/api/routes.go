package api

import (
	"net/http"

	"cohortlab/internal/dispatcher"
	"cohortlab/internal/health"
	"cohortlab/internal/job"
	"cohortlab/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Resolver      *job.Resolver
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher // nil disables trigger intake
	APIKey        string
	TriggerKey    string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Resolver, cfg.Metrics, cfg.HealthChecker, cfg.Dispatcher, cfg.TriggerKey)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Trigger intake - network-isolated, optionally HMAC-signed
	if cfg.Dispatcher != nil {
		mux.HandleFunc("POST /internal/events", handler.IngestEvent)
	}

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.SubmitJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/result", authMiddleware(http.HandlerFunc(handler.GetResult)))
	mux.Handle("GET /v1/template", authMiddleware(http.HandlerFunc(handler.Template)))
	mux.Handle("DELETE /v1/reset", authMiddleware(http.HandlerFunc(handler.Reset)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
