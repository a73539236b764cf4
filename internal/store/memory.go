package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobplane/internal/apperrors"
	"jobplane/internal/job"
)

// Memory is an in-process Store. A single mutex covers every record, which
// makes the compare-and-set trivially atomic; fine at control-plane request
// rates and for tests.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*job.Job
	requests   map[string]*job.Request
	executions map[string]*job.Execution
	metadata   map[string]*job.Metadata

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*job.Job),
		requests:   make(map[string]*job.Request),
		executions: make(map[string]*job.Execution),
		metadata:   make(map[string]*job.Metadata),
		now:        time.Now,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(ctx context.Context, j *job.Job, req *job.Request, md *job.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
	}
	now := m.now().UTC()
	cp := *j
	cp.Created = now
	cp.Updated = now
	m.jobs[cp.ID] = &cp
	if req != nil {
		rc := *req
		m.requests[cp.ID] = &rc
	}
	if md != nil {
		mc := *md
		m.metadata[cp.ID] = &mc
	}
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*job.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperrors.NotFound("job request", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CompareAndSetStatus(ctx context.Context, id string, expected []job.Status, next job.Status, message string) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", apperrors.NotFound("job", id)
	}
	prev := j.Status
	if !containsStatus(expected, prev) {
		return prev, apperrors.Conflict("job", id,
			fmt.Sprintf("job %s is %s, expected one of %v", id, prev, expected))
	}
	now := m.now().UTC()
	j.Status = next
	j.StatusMessage = message
	j.Updated = now
	if next == job.StatusRunning && j.Started == nil {
		t := now
		j.Started = &t
	}
	if next.Finished() && j.Finished == nil {
		t := now
		j.Finished = &t
	}
	return prev, nil
}

func (m *Memory) SetResolution(ctx context.Context, id string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if j.Status != job.StatusReserved {
		return apperrors.Conflict("job", id,
			fmt.Sprintf("job %s is %s, resolution requires RESERVED", id, j.Status))
	}
	j.Status = job.StatusResolved
	j.ClusterID = res.ClusterID
	j.ClusterName = res.ClusterName
	j.CommandID = res.CommandID
	j.CommandName = res.CommandName
	j.ApplicationIDs = append([]string(nil), res.ApplicationIDs...)
	j.ChosenClusterCriteriaString = res.CriteriaString
	j.Updated = m.now().UTC()
	return nil
}

func (m *Memory) PutExecution(ctx context.Context, e *job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[e.JobID]; !ok {
		return apperrors.NotFound("job", e.JobID)
	}
	if existing, ok := m.executions[e.JobID]; ok {
		// Re-claim: only the host moves.
		existing.HostName = e.HostName
		return nil
	}
	cp := *e
	cp.Created = m.now().UTC()
	m.executions[cp.JobID] = &cp
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, jobID string) (*job.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[jobID]
	if !ok {
		return nil, apperrors.NotFound("job execution", jobID)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) UpdateExecution(ctx context.Context, jobID string, upd ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[jobID]
	if !ok {
		return apperrors.NotFound("job execution", jobID)
	}
	if upd.ProcessID != nil && e.ProcessID == 0 {
		e.ProcessID = *upd.ProcessID
	}
	if upd.ExitCode != nil && e.ExitCode == nil {
		v := *upd.ExitCode
		e.ExitCode = &v
	}
	if upd.MemoryMB != nil && e.MemoryMB == nil {
		v := *upd.MemoryMB
		e.MemoryMB = &v
	}
	return nil
}

func (m *Memory) GetMetadata(ctx context.Context, jobID string) (*job.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[jobID]
	if !ok {
		return nil, apperrors.NotFound("job metadata", jobID)
	}
	cp := *md
	return &cp, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
