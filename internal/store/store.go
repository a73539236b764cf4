// Package store provides the durable implementations of the lifecycle
// service's Repository contract plus the sqlite-backed catalog registry.
// Memory backs tests and no-persistence deployments; Sqlite is the
// production store.
package store

import (
	"jobplane/internal/job"
)

// Aliases for the repository contract types, so store code and callers can
// use them without importing the job package twice.
type (
	Store           = job.Repository
	Resolution      = job.Resolution
	ExecutionUpdate = job.ExecutionUpdate
)

func containsStatus(set []job.Status, s job.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
