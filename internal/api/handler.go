// Package api provides the HTTP API handlers and routing for the job
// control plane.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"jobplane/internal/apperrors"
	"jobplane/internal/catalog"
	"jobplane/internal/health"
	"jobplane/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the job control plane API
type Handler struct {
	svc      *job.Service
	registry catalog.Registry
	health   *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, registry catalog.Registry, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:      svc,
		registry: registry,
		health:   healthChecker,
	}
}

// submitPayload is the submission wire form. CommandArgs shadows the
// request field so the legacy single-string form is accepted next to the
// canonical array form. Metadata carries client-reported sizes; client host
// and user agent are stamped from the connection, never trusted from the
// body.
type submitPayload struct {
	job.Request
	CommandArgs json.RawMessage `json:"commandArgs,omitempty"`
	Metadata    *job.Metadata   `json:"metadata,omitempty"`
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if len(payload.CommandArgs) > 0 {
		var args []string
		if err := json.Unmarshal(payload.CommandArgs, &args); err == nil {
			payload.Request.CommandArgs = args
		} else {
			var legacy string
			if err := json.Unmarshal(payload.CommandArgs, &legacy); err != nil {
				h.writeError(w, http.StatusBadRequest, "commandArgs must be a string or an array of strings")
				return
			}
			payload.Request.CommandArgs = job.SplitLegacyArgs(legacy)
		}
	}

	md := payload.Metadata
	if md == nil {
		md = &job.Metadata{}
	}
	md.ClientHost = clientHost(r)
	md.UserAgent = r.UserAgent()

	j, err := h.svc.Submit(r.Context(), &payload.Request, md)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetJobStatus handles GET /v1/jobs/{jobId}/status
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetStatus(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]job.Status{"status": status})
}

// GetJobRequest handles GET /v1/jobs/{jobId}/request
func (h *Handler) GetJobRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.GetRequest(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// GetJobExecution handles GET /v1/jobs/{jobId}/execution
func (h *Handler) GetJobExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.GetExecution(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, exec)
}

// GetJobMetadata handles GET /v1/jobs/{jobId}/metadata
func (h *Handler) GetJobMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.svc.GetMetadata(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, md)
}

// claimPayload names the executor host taking ownership of a job.
type claimPayload struct {
	HostName string `json:"hostName"`
}

// ClaimJob handles POST /v1/jobs/{jobId}/claim
func (h *Handler) ClaimJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var payload claimPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	exec, err := h.svc.Claim(r.Context(), r.PathValue("jobId"), payload.HostName)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, exec)
}

// ReportProgress handles POST /v1/jobs/{jobId}/progress
func (h *Handler) ReportProgress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var rep job.ProgressReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.svc.ReportProgress(r.Context(), r.PathValue("jobId"), rep); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// KillJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) KillJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Kill(r.Context(), r.PathValue("jobId"), r.URL.Query().Get("reason"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// GetUserResources handles GET /v1/users/{user}/resources
func (h *Handler) GetUserResources(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.UserResources(r.PathValue("user")))
}

// SaveCluster handles POST /v1/clusters
func (h *Handler) SaveCluster(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var c catalog.Cluster
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := catalog.ValidateCluster(&c); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.registry.SaveCluster(r.Context(), &c); err != nil {
		h.handleError(w, r, err)
		return
	}

	saved, err := h.registry.GetCluster(r.Context(), c.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, saved)
}

// ListClusters handles GET /v1/clusters
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.registry.ListClusters(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, clusters)
}

// GetCluster handles GET /v1/clusters/{clusterId}
func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.registry.GetCluster(r.Context(), r.PathValue("clusterId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// SetClusterCommands handles POST /v1/clusters/{clusterId}/commands.
// The body is the full ordered command id list; order is operator-declared
// priority and replaces any previous list.
func (h *Handler) SetClusterCommands(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.registry.SetClusterCommands(r.Context(), r.PathValue("clusterId"), ids); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveCommand handles POST /v1/commands
func (h *Handler) SaveCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var c catalog.Command
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := catalog.ValidateCommand(&c); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.registry.SaveCommand(r.Context(), &c); err != nil {
		h.handleError(w, r, err)
		return
	}

	saved, err := h.registry.GetCommand(r.Context(), c.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, saved)
}

// ListCommands handles GET /v1/commands
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := h.registry.ListCommands(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, commands)
}

// GetCommand handles GET /v1/commands/{commandId}
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	c, err := h.registry.GetCommand(r.Context(), r.PathValue("commandId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// SetCommandApplications handles POST /v1/commands/{commandId}/applications.
func (h *Handler) SetCommandApplications(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.registry.SetCommandApplications(r.Context(), r.PathValue("commandId"), ids); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveApplication handles POST /v1/applications
func (h *Handler) SaveApplication(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var a catalog.Application
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := catalog.ValidateApplication(&a); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.registry.SaveApplication(r.Context(), &a); err != nil {
		h.handleError(w, r, err)
		return
	}

	saved, err := h.registry.GetApplication(r.Context(), a.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, saved)
}

// ListApplications handles GET /v1/applications
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.registry.ListApplications(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// GetApplication handles GET /v1/applications/{applicationId}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.GetApplication(r.Context(), r.PathValue("applicationId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the backing store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// clientHost extracts the submitting host from the connection, without the port.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
