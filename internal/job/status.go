package job

import (
	"fmt"

	"jobplane/internal/apperrors"
)

// Status is the closed set of job lifecycle states. Nothing outside this set
// is representable: Parse rejects unknown values at every boundary.
type Status string

const (
	StatusInit      Status = "INIT"      // record created, nothing reserved yet
	StatusReserved  Status = "RESERVED"  // admission succeeded, quota held
	StatusResolved  Status = "RESOLVED"  // placement decided
	StatusClaimed   Status = "CLAIMED"   // an executor took ownership
	StatusAccepted  Status = "ACCEPTED"  // the executor committed to run
	StatusRunning   Status = "RUNNING"   // process started
	StatusSucceeded Status = "SUCCEEDED" // terminal
	StatusFailed    Status = "FAILED"    // terminal
	StatusKilled    Status = "KILLED"    // terminal
	StatusInvalid   Status = "INVALID"   // terminal, structurally unprocessable
)

// AllStatuses lists every representable status.
var AllStatuses = []Status{
	StatusInit, StatusReserved, StatusResolved, StatusClaimed, StatusAccepted,
	StatusRunning, StatusSucceeded, StatusFailed, StatusKilled, StatusInvalid,
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusInit, StatusReserved, StatusResolved, StatusClaimed, StatusAccepted,
		StatusRunning, StatusSucceeded, StatusFailed, StatusKilled, StatusInvalid:
		return s, nil
	default:
		return "", apperrors.Validation("status", fmt.Sprintf("unknown job status %q", raw))
	}
}

// Active reports whether the job still holds quota and may change state.
func (s Status) Active() bool {
	switch s {
	case StatusInit, StatusReserved, StatusResolved, StatusClaimed, StatusAccepted, StatusRunning:
		return true
	case StatusSucceeded, StatusFailed, StatusKilled, StatusInvalid:
		return false
	}
	return false
}

// Finished reports whether the status is terminal. No transition leaves a
// terminal state.
func (s Status) Finished() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusKilled, StatusInvalid:
		return true
	}
	return false
}

// Resolvable reports whether resolution may be attempted.
func (s Status) Resolvable() bool {
	return s == StatusReserved
}

// Claimable reports whether an executor may claim the job. ACCEPTED is
// re-claimable so another node can take over a job whose claimant never
// reported progress.
func (s Status) Claimable() bool {
	return s == StatusResolved || s == StatusAccepted
}

// ActiveStatuses returns the statuses for which Active is true, as a slice
// for compare-and-set guards.
func ActiveStatuses() []Status {
	return []Status{StatusInit, StatusReserved, StatusResolved, StatusClaimed, StatusAccepted, StatusRunning}
}

// ClaimableStatuses returns the statuses an executor may claim from.
func ClaimableStatuses() []Status {
	return []Status{StatusResolved, StatusAccepted}
}

// transitions is the full legal transition table. KILLED is additionally
// reachable from every active state, and INVALID from every non-terminal
// state; CanTransition folds those in.
var transitions = map[Status][]Status{
	StatusInit:     {StatusReserved},
	StatusReserved: {StatusResolved, StatusFailed},
	StatusResolved: {StatusClaimed},
	StatusClaimed:  {StatusAccepted},
	StatusAccepted: {StatusRunning, StatusClaimed},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusKilled},
}

// CanTransition reports whether s -> target is legal.
func (s Status) CanTransition(target Status) bool {
	if s.Finished() {
		return false
	}
	if target == StatusKilled && s.Active() {
		return true
	}
	if target == StatusInvalid {
		return true
	}
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IllegalTransition builds the typed error for a rejected transition. The
// stored status is never mutated when this is returned.
func IllegalTransition(id string, from, to Status) error {
	return apperrors.Conflict("job", id,
		fmt.Sprintf("job %s cannot transition from %s to %s", id, from, to))
}
