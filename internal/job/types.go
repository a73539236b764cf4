// Package job holds the job data model, the lifecycle state machine, and the
// service that moves jobs from submission to a terminal outcome.
package job

import (
	"strings"
	"time"

	"jobplane/internal/criteria"
)

// Resource defaults applied when a request leaves hints unset.
const (
	DefaultCPUs     = 1
	DefaultMemoryMB = 1536
)

// Request is a client's abstract submission: an executable intent plus
// tag-based placement preferences. Immutable after creation; it persists as
// an audit artifact even after the job it spawned finishes.
type Request struct {
	ID      string `json:"id,omitempty"` // server-assigned when empty
	Name    string `json:"name"`
	User    string `json:"user"`
	Version string `json:"version"`

	// CommandArgs is the canonical ordered argument sequence. The legacy
	// single-string form is split at the API boundary before it gets here.
	CommandArgs []string `json:"commandArgs,omitempty"`

	// ClusterCriterias is the ordered placement preference list, most
	// preferred first. CommandCriteria is a single tag set matched against
	// the chosen cluster's commands.
	ClusterCriterias []criteria.Criteria `json:"clusterCriterias"`
	CommandCriteria  criteria.TagSet     `json:"commandCriteria"`

	// ApplicationIDs, when present, overrides the chosen command's own
	// application list.
	ApplicationIDs []string `json:"applicationIds,omitempty"`

	CPUs               int             `json:"cpus,omitempty"`
	MemoryMB           int             `json:"memoryMB,omitempty"`
	Timeout            time.Duration   `json:"timeout,omitempty"`
	Tags               criteria.TagSet `json:"tags,omitempty"`
	Group              string          `json:"group,omitempty"`
	GroupInstance      string          `json:"groupInstance,omitempty"`
	DisableLogArchival bool            `json:"disableLogArchival,omitempty"`
	Email              string          `json:"email,omitempty"`
	ProcessGroupID     *int            `json:"processGroupId,omitempty"`

	// Callback configures lifecycle event delivery for this job.
	Callback *Callback `json:"callback,omitempty"`
}

// Callback configures where lifecycle events for a job are delivered.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // empty = all
	Key    string   `json:"key,omitempty"`    // HMAC signing key
}

// SplitLegacyArgs turns the legacy single-string argument form into the
// canonical ordered sequence. Whitespace runs collapse; there is no quoting.
func SplitLegacyArgs(raw string) []string {
	return strings.Fields(raw)
}

// Job is the canonical mutable execution record. Only the admission
// controller, resolution engine, and lifecycle service mutate it, and only
// until it reaches a terminal status.
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	User    string `json:"user"`
	Version string `json:"version"`

	Status        Status `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`

	ClusterID   string `json:"clusterId,omitempty"`
	ClusterName string `json:"clusterName,omitempty"`
	CommandID   string `json:"commandId,omitempty"`
	CommandName string `json:"commandName,omitempty"`

	// ChosenClusterCriteriaString records exactly which criteria tag set
	// resolved this job, serialized. Immutable once set.
	ChosenClusterCriteriaString string `json:"chosenClusterCriteriaString,omitempty"`

	ApplicationIDs []string `json:"applicationIds,omitempty"`

	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memoryMB"`

	Tags            criteria.TagSet `json:"tags,omitempty"`
	ArchiveLocation string          `json:"archiveLocation,omitempty"`

	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// Runtime derives the job's run duration: finished minus started, zero when
// either end is absent. Never negative.
func (j *Job) Runtime() time.Duration {
	if j.Started == nil || j.Finished == nil {
		return 0
	}
	d := j.Finished.Sub(*j.Started)
	if d < 0 {
		return 0
	}
	return d
}

// Execution is created exactly once, when an executor claims the job, and is
// append-only thereafter.
type Execution struct {
	JobID           string          `json:"jobId"`
	HostName        string          `json:"hostName"`
	ProcessID       int             `json:"processId,omitempty"`
	CheckDelay      int64           `json:"checkDelay"` // milliseconds
	Timeout         time.Duration   `json:"timeout,omitempty"`
	ExitCode        *int            `json:"exitCode,omitempty"` // absent while running
	MemoryMB        *int            `json:"memoryMB,omitempty"`
	ClusterCriteria criteria.TagSet `json:"clusterCriteria,omitempty"`
	Created         time.Time       `json:"created"`
}

// Metadata is submission-time observability data. Purely descriptive; it
// never affects resolution or admission.
type Metadata struct {
	JobID                  string `json:"jobId"`
	ClientHost             string `json:"clientHost,omitempty"`
	UserAgent              string `json:"userAgent,omitempty"`
	NumAttachments         int    `json:"numAttachments,omitempty"`
	TotalSizeOfAttachments int64  `json:"totalSizeOfAttachments,omitempty"`
	StdOutSize             *int64 `json:"stdOutSize,omitempty"`
	StdErrSize             *int64 `json:"stdErrSize,omitempty"`
}

// UserResourcesSummary is a point-in-time aggregate of a user's active jobs.
// It is a view computed by the admission controller, not persisted truth.
type UserResourcesSummary struct {
	User           string `json:"user"`
	ActiveJobCount int    `json:"activeJobCount"`
	UsedMemoryMB   int    `json:"usedMemoryMB"`
}
