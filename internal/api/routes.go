package api

import (
	"net/http"

	"jobplane/internal/catalog"
	"jobplane/internal/health"
	"jobplane/internal/job"
	"jobplane/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Registry      catalog.Registry
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Registry, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job lifecycle endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}
	protect("POST /v1/jobs", handler.SubmitJob)
	protect("GET /v1/jobs", handler.ListJobs)
	protect("GET /v1/jobs/{jobId}", handler.GetJob)
	protect("GET /v1/jobs/{jobId}/status", handler.GetJobStatus)
	protect("GET /v1/jobs/{jobId}/request", handler.GetJobRequest)
	protect("GET /v1/jobs/{jobId}/execution", handler.GetJobExecution)
	protect("GET /v1/jobs/{jobId}/metadata", handler.GetJobMetadata)
	protect("POST /v1/jobs/{jobId}/claim", handler.ClaimJob)
	protect("POST /v1/jobs/{jobId}/progress", handler.ReportProgress)
	protect("DELETE /v1/jobs/{jobId}", handler.KillJob)
	protect("GET /v1/users/{user}/resources", handler.GetUserResources)

	// Catalog registration endpoints - auth required
	protect("POST /v1/clusters", handler.SaveCluster)
	protect("GET /v1/clusters", handler.ListClusters)
	protect("GET /v1/clusters/{clusterId}", handler.GetCluster)
	protect("POST /v1/clusters/{clusterId}/commands", handler.SetClusterCommands)
	protect("POST /v1/commands", handler.SaveCommand)
	protect("GET /v1/commands", handler.ListCommands)
	protect("GET /v1/commands/{commandId}", handler.GetCommand)
	protect("POST /v1/commands/{commandId}/applications", handler.SetCommandApplications)
	protect("POST /v1/applications", handler.SaveApplication)
	protect("GET /v1/applications", handler.ListApplications)
	protect("GET /v1/applications/{applicationId}", handler.GetApplication)

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
