// Package api provides the HTTP API handlers and routing for the cohort service.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"cohortlab/internal/apperrors"
	"cohortlab/internal/dispatcher"
	"cohortlab/internal/health"
	"cohortlab/internal/job"
	"cohortlab/internal/ledger"
	"cohortlab/internal/observability"
	"cohortlab/pkg/cloudevent"
)

// Submissions carry a whole spec document inline.
const maxRequestBodySize = 10 << 20 // 10 MB

// Trigger events are small envelopes around an artifact key.
const maxEventBodySize = 64 << 10

// signatureHeader carries the HMAC of a trigger event body.
const signatureHeader = "X-Signature-256"

// Handler contains HTTP handlers for the cohort API
type Handler struct {
	svc        *job.Service
	resolver   *job.Resolver
	metrics    *observability.Metrics
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
	triggerKey string
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, resolver *job.Resolver, metrics *observability.Metrics, healthChecker *health.Checker, d dispatcher.Dispatcher, triggerKey string) *Handler {
	return &Handler{
		svc:        svc,
		resolver:   resolver,
		metrics:    metrics,
		health:     healthChecker,
		dispatcher: d,
		triggerKey: triggerKey,
	}
}

// resultResponse is the body of a result lookup that has no artifact to return.
type resultResponse struct {
	JobID    string           `json:"jobId"`
	Status   string           `json:"status"`
	Progress *ledger.Progress `json:"progress,omitempty"`
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	view, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// GetResult handles GET /v1/jobs/{jobId}/result.
// A completed job's artifact is returned verbatim with 200; every other
// state gets its own status code and a short JSON description.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	out, err := h.resolver.Resolve(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if out.Kind == job.OutcomeCompleted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out.Artifact); err != nil {
			slog.Warn("Failed to write result artifact", "job_id", jobID, "error", err)
		}
		return
	}

	h.writeJSON(w, out.HTTPStatus(), resultResponse{
		JobID:    jobID,
		Status:   out.Message,
		Progress: out.Progress,
	})
}

// Reset handles DELETE /v1/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Reset(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Template handles GET /v1/template. The stored document is returned
// byte for byte.
func (h *Handler) Template(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Template(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write template", "error", err)
	}
}

// IngestEvent handles POST /internal/events - trigger intake for input
// artifacts written by another process. When a trigger key is configured the
// body must carry a matching X-Signature-256 header.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if h.triggerKey != "" && !cloudevent.Verify(body, r.Header.Get(signatureHeader), h.triggerKey) {
		slog.Warn("Rejected trigger with bad signature", "remote", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "invalid event signature")
		return
	}

	var event cloudevent.CloudEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid CloudEvent: "+err.Error())
		return
	}
	if event.Type != cloudevent.TypeArtifactCreated {
		h.writeError(w, http.StatusBadRequest, "unsupported event type: "+event.Type)
		return
	}
	if event.StringData("key") == "" {
		h.writeError(w, http.StatusBadRequest, "event data has no key")
		return
	}

	if err := h.dispatcher.Dispatch(&dispatcher.Event{Payload: &event}); err != nil {
		slog.Warn("Failed to dispatch trigger", "error", err, "subject", event.Subject)
		// The sender owns redelivery, so tell it the trigger was not taken.
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the ledger or artifact storage is unreachable. A degraded
// dispatcher still reports ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
