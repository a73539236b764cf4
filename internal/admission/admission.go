// Package admission enforces per-user resource quotas before jobs are
// admitted. Reservation is the first of the two concurrency-sensitive points
// in the control plane (the other is the claim compare-and-set): a read-check
// and the increment must be atomic per user, or two requests racing on the
// same user could both be admitted past the limit.
package admission

import (
	"fmt"
	"sync"
	"sync/atomic"

	"jobplane/internal/apperrors"
)

// Limits configures per-user quotas. Zero means unlimited; no defaults are
// invented here.
type Limits struct {
	MaxActiveJobs int // max concurrent active jobs per user
	MaxMemoryMB   int // max aggregate reserved memory per user
}

// Controller maintains per-user aggregates of active jobs and reserved
// memory. Each user's counters are guarded by that user's own lock so
// reservations for different users never contend.
type Controller struct {
	limits Limits

	mu    sync.Mutex // guards the users map itself
	users map[string]*usage
}

type usage struct {
	mu       sync.Mutex
	jobs     int
	memoryMB int
}

// NewController creates a Controller with the given limits.
func NewController(limits Limits) *Controller {
	return &Controller{
		limits: limits,
		users:  make(map[string]*usage),
	}
}

// Reservation is the single-use handle returned by a successful TryReserve.
// Release through the handle is idempotent: the second call is a no-op.
type Reservation struct {
	ctrl     *Controller
	user     string
	memoryMB int
	released atomic.Bool
}

// User returns the user the reservation was made for.
func (r *Reservation) User() string { return r.user }

// MemoryMB returns the memory held by this reservation.
func (r *Reservation) MemoryMB() int { return r.memoryMB }

// Release returns the reservation's job slot and memory to the user's quota.
// Safe to call more than once; only the first call has effect.
func (r *Reservation) Release() {
	if r.released.Swap(true) {
		return
	}
	u := r.ctrl.userUsage(r.user)
	u.mu.Lock()
	u.jobs--
	u.memoryMB -= r.memoryMB
	u.mu.Unlock()
}

func (c *Controller) userUsage(user string) *usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[user]
	if !ok {
		u = &usage{}
		c.users[user] = u
	}
	return u
}

// TryReserve atomically admits one job of requestedMemoryMB for user, or
// returns a quota error and changes nothing. Concurrent calls for the same
// user serialize on the user's lock, so usage never exceeds the limits even
// under a reservation race.
func (c *Controller) TryReserve(user string, requestedMemoryMB int) (*Reservation, error) {
	if user == "" {
		return nil, apperrors.Validation("user", "user is required for admission")
	}
	if requestedMemoryMB < 0 {
		return nil, apperrors.Validation("memoryMB", "requested memory must not be negative")
	}

	u := c.userUsage(user)
	u.mu.Lock()
	defer u.mu.Unlock()

	if c.limits.MaxActiveJobs > 0 && u.jobs+1 > c.limits.MaxActiveJobs {
		return nil, apperrors.Quota(user, fmt.Sprintf(
			"user %s has %d active jobs, limit is %d", user, u.jobs, c.limits.MaxActiveJobs))
	}
	if c.limits.MaxMemoryMB > 0 && u.memoryMB+requestedMemoryMB > c.limits.MaxMemoryMB {
		return nil, apperrors.Quota(user, fmt.Sprintf(
			"user %s has %d MB reserved, request of %d MB exceeds limit of %d MB",
			user, u.memoryMB, requestedMemoryMB, c.limits.MaxMemoryMB))
	}

	u.jobs++
	u.memoryMB += requestedMemoryMB
	return &Reservation{ctrl: c, user: user, memoryMB: requestedMemoryMB}, nil
}

// Restore re-admits a job that is already persisted in an active status,
// bypassing the limit checks: the job was admitted before, and the stored
// record is the truth. Used to rebuild the ledger from the durable store
// after a restart.
func (c *Controller) Restore(user string, memoryMB int) *Reservation {
	u := c.userUsage(user)
	u.mu.Lock()
	u.jobs++
	u.memoryMB += memoryMB
	u.mu.Unlock()
	return &Reservation{ctrl: c, user: user, memoryMB: memoryMB}
}

// Usage returns the user's current aggregate usage. It is a point-in-time
// view; the stored Job records remain the truth.
func (c *Controller) Usage(user string) (activeJobs, memoryMB int) {
	u := c.userUsage(user)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.jobs, u.memoryMB
}
