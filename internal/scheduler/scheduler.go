// Package scheduler defines the contract the federation manager needs from
// the local job scheduler. Scheduling policy, allocation, and accounting
// are out of scope for fedmgr (spec Non-goals); this package only names
// the collaborator surface and a couple of shared value types.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// JobDesc is the opaque, peer-submittable description of a job. fedmgr
// never interprets its contents beyond forwarding it; it is produced by
// the caller (a user submission) or decoded from a SUBMIT envelope's Inner
// payload.
type JobDesc struct {
	Name            string
	Submitter       string
	Priority        int // 0 == submitted held
	Clusters        []string
	ClusterFeatures []string
	Payload         []byte
}

// JobState is the scheduler's local state for a job, as far as fedmgr
// needs to know it.
type JobState struct {
	LocalID    uint32
	Held       bool
	Failed     bool
	Completing bool
	Revoked    bool
	Cancelled  bool
}

// ErrNotFound is returned by FindJob when the scheduler holds no record
// for the given local id.
var ErrNotFound = errors.New("scheduler: job not found")

// ErrIndexNotAssigned is returned by Update while the scheduler's database
// index for a job has not yet been assigned; the Job-Update Loop retries
// this up to 5 times with 1-second sleeps.
var ErrIndexNotAssigned = errors.New("scheduler: database index not yet assigned")

// Scheduler is the local scheduler's contract as seen by fedmgr. A
// production implementation calls into the real scheduler daemon; tests
// use MemScheduler.
type Scheduler interface {
	// NextLocalID allocates the next locally-unique job id for a new
	// origin submission.
	NextLocalID(ctx context.Context) (uint32, error)

	// Allocate instantiates a job from desc, either as the origin
	// submission or as a sibling copy requested by a peer. Returns the
	// resulting local state.
	Allocate(ctx context.Context, localID uint32, desc JobDesc) (JobState, error)

	// Requeue re-queues a job, optionally clearing the hold, for the
	// REQUEUE / COMPLETE(REQUEUE_FED) paths.
	Requeue(ctx context.Context, localID uint32, clearHold bool, uid uint32) error

	// Revoke marks a job revoked (and cancelled, if isComplete) with the
	// given return code and timestamps.
	Revoke(ctx context.Context, localID uint32, isComplete bool, rc int, startTime time.Time) error

	// FindJob returns the scheduler's current state for a local job id.
	FindJob(ctx context.Context, localID uint32) (JobState, error)

	// KillStep delivers a local signal/kill to a running job step.
	KillStep(ctx context.Context, localID uint32, killMsg string, uid uint32) error

	// PurgeJob drops the scheduler's in-memory record for a non-origin
	// job copy entirely.
	PurgeJob(ctx context.Context, localID uint32) error

	// Update applies a job-descriptor change (submitter-initiated).
	Update(ctx context.Context, localID uint32, desc JobDesc, submitter string, uid uint32) error
}
