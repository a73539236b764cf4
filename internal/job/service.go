package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobplane/internal/admission"
	"jobplane/internal/apperrors"
	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
	"jobplane/internal/dispatcher"
	"jobplane/internal/observability"
	"jobplane/pkg/cloudevent"
)

// Validation limits
const (
	maxJobIDLength    = 128
	maxCPU            = 64     // cores
	maxMemoryMB       = 131072 // 128GB
	maxTimeout        = 7 * 24 * time.Hour
	maxCallbackEvents = 16
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Service owns the job lifecycle: admission, resolution, and every status
// transition from submission to a terminal outcome. All durable state lives
// in the Repository; the only in-process state is the map of open quota
// reservations, released when the job they admitted finishes.
type Service struct {
	repo      Repository
	catalog   catalog.Store
	resolver  Resolver
	admission *admission.Controller
	disp      dispatcher.Dispatcher  // nil disables callbacks
	metrics   *observability.Metrics // nil disables metrics
	source    string                 // CloudEvents source URI

	mu           sync.Mutex
	reservations map[string]*admission.Reservation
}

// NewService creates a service. disp and metrics may be nil.
func NewService(repo Repository, cat catalog.Store, resolver Resolver, adm *admission.Controller, disp dispatcher.Dispatcher, metrics *observability.Metrics, eventSource string) *Service {
	return &Service{
		repo:         repo,
		catalog:      cat,
		resolver:     resolver,
		admission:    adm,
		disp:         disp,
		metrics:      metrics,
		source:       eventSource,
		reservations: make(map[string]*admission.Reservation),
	}
}

// Submit admits, persists, and resolves a new job. Admission runs before
// anything durable is written, so a quota rejection never leaves a record
// behind. A resolution failure is not a submission error: the job is
// returned in FAILED with a message naming what could not be matched.
func (s *Service) Submit(ctx context.Context, req *Request, md *Metadata) (*Job, error) {
	applyDefaults(req)
	if err := validate(req); err != nil {
		return nil, err
	}

	logger := slog.With("jobId", req.ID, "user", req.User)

	res, err := s.admission.TryReserve(req.User, req.MemoryMB)
	if err != nil {
		if errors.Is(err, apperrors.ErrQuota) {
			logger.Info("Job rejected by quota", "error", err)
			if s.metrics != nil {
				s.metrics.RecordQuotaRejected(ctx, req.User)
			}
		}
		return nil, err
	}

	j := &Job{
		ID:       req.ID,
		Name:     req.Name,
		User:     req.User,
		Version:  req.Version,
		Status:   StatusInit,
		CPUs:     req.CPUs,
		MemoryMB: req.MemoryMB,
		Tags:     req.Tags,
	}
	if md != nil {
		md.JobID = req.ID
	}
	if err := s.repo.CreateJob(ctx, j, req, md); err != nil {
		res.Release()
		logger.Error("Job creation failed", "error", err)
		return nil, err
	}
	s.trackReservation(req.ID, res)

	if _, err := s.repo.CompareAndSetStatus(ctx, req.ID, []Status{StatusInit}, StatusReserved, "quota reserved"); err != nil {
		s.finishReservation(req.ID)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, req.User)
	}

	plan, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		return s.failResolution(ctx, req, err, logger)
	}

	appIDs := make([]string, 0, len(plan.Applications))
	for _, a := range plan.Applications {
		appIDs = append(appIDs, a.ID)
	}
	err = s.repo.SetResolution(ctx, req.ID, Resolution{
		ClusterID:      plan.Cluster.ID,
		ClusterName:    plan.Cluster.Name,
		CommandID:      plan.Command.ID,
		CommandName:    plan.Command.Name,
		ApplicationIDs: appIDs,
		CriteriaString: plan.CriteriaString,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Job resolved",
		"cluster", plan.Cluster.Name,
		"command", plan.Command.Name,
		"criteria", plan.CriteriaString,
	)
	s.notify(ctx, req, func(b *EventBuilder) *cloudevent.CloudEvent {
		return b.BuildResolvedEvent(plan.Cluster.Name, plan.Command.Name, plan.CriteriaString)
	})

	return s.repo.GetJob(ctx, req.ID)
}

// failResolution terminally fails a RESERVED job and releases its quota.
// The job itself is returned; the submission succeeded even though nothing
// can run it.
func (s *Service) failResolution(ctx context.Context, req *Request, cause error, logger *slog.Logger) (*Job, error) {
	// Unexpected faults (catalog store down) are not resolution outcomes.
	if !errors.Is(cause, ErrNoClusterMatch) &&
		!errors.Is(cause, ErrNoCommandMatch) &&
		!errors.Is(cause, apperrors.ErrNotFound) {
		return nil, cause
	}

	logger.Info("Job resolution failed", "error", cause)
	if s.metrics != nil {
		s.metrics.RecordResolutionFailed(ctx, resolutionReason(cause))
	}
	msg := "resolution failed: " + cause.Error()
	if _, err := s.repo.CompareAndSetStatus(ctx, req.ID, []Status{StatusReserved}, StatusFailed, msg); err != nil {
		return nil, err
	}
	s.finishReservation(req.ID)

	j, err := s.repo.GetJob(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, j.User, j.ClusterName, string(j.Status), j.Runtime().Seconds())
	}
	s.notify(ctx, req, func(b *EventBuilder) *cloudevent.CloudEvent {
		return b.BuildFinishedEvent(StatusFailed, msg, nil)
	})
	return j, nil
}

func resolutionReason(err error) string {
	switch {
	case errors.Is(err, ErrNoClusterMatch):
		return "no_cluster_match"
	case errors.Is(err, ErrNoCommandMatch):
		return "no_command_match"
	default:
		return "unknown_application"
	}
}

// RecoverActive rebuilds the admission ledger from jobs persisted in an
// active status, so a restart does not leak quota: the stored active job
// records are the truth the counters mirror. Limits are not re-checked
// while re-admitting; the jobs were admitted before. Each recovered job's
// reservation is tracked again, so its eventual terminal transition
// releases quota as usual. Call once at startup, before serving requests.
func (s *Service) RecoverActive(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, j := range jobs {
		if !j.Status.Active() {
			continue
		}
		s.trackReservation(j.ID, s.admission.Restore(j.User, j.MemoryMB))
		recovered++
	}
	return recovered, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// GetStatus returns only the job's current status.
func (s *Service) GetStatus(ctx context.Context, jobID string) (Status, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// List returns all jobs.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.repo.ListJobs(ctx)
}

// GetRequest returns the immutable submission the job was created from.
func (s *Service) GetRequest(ctx context.Context, jobID string) (*Request, error) {
	return s.repo.GetRequest(ctx, jobID)
}

// GetExecution returns the execution record for a claimed job.
func (s *Service) GetExecution(ctx context.Context, jobID string) (*Execution, error) {
	return s.repo.GetExecution(ctx, jobID)
}

// GetMetadata returns the submission-time metadata for a job.
func (s *Service) GetMetadata(ctx context.Context, jobID string) (*Metadata, error) {
	return s.repo.GetMetadata(ctx, jobID)
}

// Claim takes ownership of a resolved job for one executor host. Exactly
// one of two racing claims wins the compare-and-set; the loser gets a
// conflict and must re-read. A claim against an ACCEPTED job is a legal
// re-claim and moves only the host name on the execution record.
func (s *Service) Claim(ctx context.Context, jobID, hostName string) (*Execution, error) {
	if strings.TrimSpace(hostName) == "" {
		return nil, apperrors.Validation("hostName", "executor host name is required")
	}
	logger := slog.With("jobId", jobID, "host", hostName)

	prev, err := s.repo.CompareAndSetStatus(ctx, jobID, ClaimableStatuses(), StatusClaimed, "claimed by "+hostName)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			logger.Info("Claim lost", "status", prev)
			if s.metrics != nil {
				s.metrics.RecordClaimConflict(ctx)
			}
		}
		return nil, err
	}

	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, s.revertClaim(ctx, jobID, prev, logger, err)
	}
	req, err := s.repo.GetRequest(ctx, jobID)
	if err != nil {
		return nil, s.revertClaim(ctx, jobID, prev, logger, err)
	}

	e := &Execution{
		JobID:    jobID,
		HostName: hostName,
		Timeout:  req.Timeout,
	}
	if j.ChosenClusterCriteriaString != "" {
		e.ClusterCriteria = criteria.NewTagSet(strings.Split(j.ChosenClusterCriteriaString, ",")...)
	}
	if cmd, err := s.catalog.GetCommand(ctx, j.CommandID); err == nil {
		e.CheckDelay = cmd.CheckDelay
	}
	if err := s.repo.PutExecution(ctx, e); err != nil {
		return nil, s.revertClaim(ctx, jobID, prev, logger, err)
	}

	logger.Info("Job claimed", "reclaim", prev == StatusAccepted)
	s.notify(ctx, req, func(b *EventBuilder) *cloudevent.CloudEvent {
		return b.BuildClaimedEvent(hostName)
	})
	return s.repo.GetExecution(ctx, jobID)
}

// revertClaim puts a job back in its pre-claim status after the claim won
// the compare-and-set but could not record the execution. Without the
// revert the job would sit in CLAIMED with no executor, claimable by no
// one. Returns cause so callers can pass the original error through.
func (s *Service) revertClaim(ctx context.Context, jobID string, prev Status, logger *slog.Logger, cause error) error {
	if _, err := s.repo.CompareAndSetStatus(ctx, jobID, []Status{StatusClaimed}, prev, "claim rolled back"); err != nil {
		logger.Warn("Claim rollback failed", "error", err)
	}
	return cause
}

// ProgressReport is an executor's state change for a claimed job.
type ProgressReport struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	ProcessID *int   `json:"processId,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	MemoryMB  *int   `json:"memoryMB,omitempty"`
}

// progressSources maps each reportable status to the statuses it may be
// reported from, per the transition table.
var progressSources = map[Status][]Status{
	StatusAccepted:  {StatusClaimed},
	StatusRunning:   {StatusAccepted},
	StatusSucceeded: {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusKilled:    {StatusRunning},
}

// ReportProgress applies an executor's state report. A terminal report
// against a job already KILLED is a no-op: the kill won, the executor's
// confirmation arrived late.
func (s *Service) ReportProgress(ctx context.Context, jobID string, rep ProgressReport) error {
	expected, ok := progressSources[rep.Status]
	if !ok {
		return apperrors.Validation("status",
			fmt.Sprintf("status %s cannot be reported as progress", rep.Status))
	}
	logger := slog.With("jobId", jobID, "status", rep.Status)

	prev, err := s.repo.CompareAndSetStatus(ctx, jobID, expected, rep.Status, rep.Message)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) && prev == StatusKilled && rep.Status.Finished() {
			logger.Info("Late terminal report on killed job, ignoring")
			return nil
		}
		return err
	}

	upd := ExecutionUpdate{ProcessID: rep.ProcessID, ExitCode: rep.ExitCode, MemoryMB: rep.MemoryMB}
	if upd.ProcessID != nil || upd.ExitCode != nil || upd.MemoryMB != nil {
		if err := s.repo.UpdateExecution(ctx, jobID, upd); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}

	logger.Info("Job progress recorded")
	if rep.Status == StatusRunning {
		s.notifyJob(ctx, jobID, func(b *EventBuilder) *cloudevent.CloudEvent {
			return b.BuildStartedEvent()
		})
	}
	if rep.Status.Finished() {
		s.finish(ctx, jobID, rep.Status, rep.Message, rep.ExitCode)
	}
	return nil
}

// Kill requests termination. Active jobs move to KILLED immediately; the
// executor discovers the kill when its next progress report conflicts.
// Killing an already-terminal job returns it unchanged.
func (s *Service) Kill(ctx context.Context, jobID, reason string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Finished() {
		return j, nil
	}
	if reason == "" {
		reason = "kill requested"
	}

	_, err = s.repo.CompareAndSetStatus(ctx, jobID, ActiveStatuses(), StatusKilled, reason)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Lost to a concurrent terminal transition; idempotent either way.
			return s.repo.GetJob(ctx, jobID)
		}
		return nil, err
	}

	slog.Info("Job killed", "jobId", jobID, "reason", reason)
	s.finish(ctx, jobID, StatusKilled, reason, nil)
	return s.repo.GetJob(ctx, jobID)
}

// UserResources returns the user's current admission aggregates.
func (s *Service) UserResources(user string) UserResourcesSummary {
	jobs, memoryMB := s.admission.Usage(user)
	return UserResourcesSummary{
		User:           user,
		ActiveJobCount: jobs,
		UsedMemoryMB:   memoryMB,
	}
}

// finish releases the job's quota reservation and records terminal metrics
// and events. Runs once per terminal transition because only the winning
// compare-and-set reaches it.
func (s *Service) finish(ctx context.Context, jobID string, status Status, message string, exitCode *int) {
	s.finishReservation(jobID)

	j, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordJobFinished(ctx, j.User, j.ClusterName, string(status), j.Runtime().Seconds())
	}
	s.notifyJob(ctx, jobID, func(b *EventBuilder) *cloudevent.CloudEvent {
		return b.BuildFinishedEvent(status, message, exitCode)
	})
}

func (s *Service) trackReservation(jobID string, r *admission.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[jobID] = r
}

func (s *Service) finishReservation(jobID string) {
	s.mu.Lock()
	r := s.reservations[jobID]
	delete(s.reservations, jobID)
	s.mu.Unlock()
	if r != nil {
		r.Release()
	}
}

// notifyJob looks up the job's request and delegates to notify.
func (s *Service) notifyJob(ctx context.Context, jobID string, build func(*EventBuilder) *cloudevent.CloudEvent) {
	if s.disp == nil {
		return
	}
	req, err := s.repo.GetRequest(ctx, jobID)
	if err != nil {
		return
	}
	s.notify(ctx, req, build)
}

// notify queues a lifecycle event for the request's callback, if any. Event
// delivery is best effort; a full dispatcher buffer is logged, not surfaced.
func (s *Service) notify(ctx context.Context, req *Request, build func(*EventBuilder) *cloudevent.CloudEvent) {
	if s.disp == nil || req.Callback == nil || req.Callback.URL == "" {
		return
	}
	ev := build(NewEventBuilder(req.ID, s.source, req.User))
	if !FilteredEvents(ev.Type, req.Callback.Events) {
		return
	}
	err := s.disp.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: req.Callback.URL,
		SigningKey:  req.Callback.Key,
	})
	if err != nil {
		slog.Warn("Event dropped", "jobId", req.ID, "type", ev.Type, "error", err)
	}
}

// applyDefaults assigns a server id and resource defaults to unset fields.
func applyDefaults(req *Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CPUs <= 0 {
		req.CPUs = DefaultCPUs
	}
	if req.MemoryMB <= 0 {
		req.MemoryMB = DefaultMemoryMB
	}
}

// validate checks a job request. Does not modify the request.
func validate(req *Request) error {
	if len(req.ID) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(req.ID) {
		return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}
	if strings.TrimSpace(req.Name) == "" {
		return apperrors.Validation("name", "job name is required")
	}
	if strings.TrimSpace(req.User) == "" {
		return apperrors.Validation("user", "user is required")
	}
	if len(req.ClusterCriterias) == 0 {
		return apperrors.Validation("clusterCriterias", "at least one cluster criteria is required")
	}
	for i, c := range req.ClusterCriterias {
		if c.Empty() {
			return apperrors.Validation("clusterCriterias", fmt.Sprintf("cluster criteria %d has no tags", i))
		}
	}

	if req.CPUs > maxCPU {
		return apperrors.Validation("cpus", fmt.Sprintf("CPU exceeds maximum of %d cores", maxCPU))
	}
	if req.MemoryMB > maxMemoryMB {
		return apperrors.Validation("memoryMB", fmt.Sprintf("memory exceeds maximum of %d MB", maxMemoryMB))
	}
	if req.Timeout < 0 || req.Timeout > maxTimeout {
		return apperrors.Validation("timeout", fmt.Sprintf("timeout must be between 0 and %s", maxTimeout))
	}

	if req.Callback != nil {
		if req.Callback.URL != "" {
			if err := validateURL(req.Callback.URL); err != nil {
				return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
			}
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
