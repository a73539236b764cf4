package job

import (
	"context"
	"errors"

	"jobplane/internal/catalog"
	"jobplane/internal/criteria"
)

// Resolution carries the execution-plan fields recorded when a job moves
// from RESERVED to RESOLVED. CriteriaString is immutable once written.
type Resolution struct {
	ClusterID      string
	ClusterName    string
	CommandID      string
	CommandName    string
	ApplicationIDs []string
	CriteriaString string
}

// ExecutionUpdate fills in execution fields reported after the claim.
// Nil fields are left unchanged; fields are filled in, never reset.
type ExecutionUpdate struct {
	ProcessID *int
	ExitCode  *int
	MemoryMB  *int
}

// Repository is the durable store the lifecycle service drives. The one
// contract it strictly requires beyond CRUD is CompareAndSetStatus: every
// status mutation goes through it, so a status is never blindly overwritten.
type Repository interface {
	// CreateJob persists the job with its originating request and metadata.
	// Fails with a conflict if the id already exists.
	CreateJob(ctx context.Context, j *Job, req *Request, md *Metadata) error

	GetJob(ctx context.Context, id string) (*Job, error)
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetMetadata(ctx context.Context, jobID string) (*Metadata, error)
	ListJobs(ctx context.Context) ([]*Job, error)

	// CompareAndSetStatus sets the job's status to next only if the current
	// status is one of expected, returning the status previously stored.
	// When the guard fails it returns the current status and a conflict
	// error, and mutates nothing. The store stamps Started on a transition
	// to RUNNING and Finished on a transition to a terminal status.
	CompareAndSetStatus(ctx context.Context, id string, expected []Status, next Status, message string) (Status, error)

	// SetResolution records the execution plan and advances RESERVED to
	// RESOLVED in one atomic step.
	SetResolution(ctx context.Context, id string, res Resolution) error

	// PutExecution creates the execution record at claim time. A re-claim
	// overwrites the host name; everything else is append-only.
	PutExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, jobID string) (*Execution, error)
	UpdateExecution(ctx context.Context, jobID string, upd ExecutionUpdate) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Plan is a fully resolved placement. CriteriaString records which entry of
// the ordered preference list won, in canonical serialized form.
type Plan struct {
	Cluster        *catalog.Cluster
	Command        *catalog.Command
	Applications   []*catalog.Application
	Criteria       criteria.Criteria
	CriteriaString string
}

// Resolver picks a concrete placement for a request against the catalog.
type Resolver interface {
	Resolve(ctx context.Context, req *Request) (*Plan, error)
}

// Resolution failures the lifecycle service classifies as terminal outcomes
// rather than submission errors. Both mean the request is well-formed but
// nothing in the current catalog can run it.
var (
	ErrNoClusterMatch = errors.New("no cluster matched the cluster criteria")
	ErrNoCommandMatch = errors.New("no command matched the command criteria")
)
