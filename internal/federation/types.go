// Package federation implements the federation manager: the coordination
// layer that replicates a submitted job as sibling copies across a
// federation of peer scheduler controllers, ensures exactly one peer runs
// it, and revokes the rest.
package federation

import (
	"time"

	"frameworks/fedmgr/internal/scheduler"
)

// MaxClusters is the largest dense cluster id a federation can assign.
// Sibling sets are stored as 64-bit bitmasks, so ids run 1..63 and bit 0
// of the mask is unused (ClusterID 0 means "unlocked"/"no origin").
const MaxClusters = 63

// localIDBits is the width of the LocalId field packed into a FedJobID.
const localIDBits = 26

// ClusterID is a dense, federation-assigned 1-based peer identifier.
// 0 is never a valid peer; it is used as the sentinel for "no lock holder".
type ClusterID uint32

// FedJobID encodes (ClusterId << 26) | LocalId. The origin of any job is
// derivable from its id alone; no side table is required to find it.
type FedJobID uint32

// NewFedJobID packs an origin cluster id and a locally-allocated id.
func NewFedJobID(origin ClusterID, localID uint32) FedJobID {
	return FedJobID(uint32(origin)<<localIDBits | (localID & (1<<localIDBits - 1)))
}

// Origin returns the peer that accepted the user's original submission.
func (id FedJobID) Origin() ClusterID { return ClusterID(uint32(id) >> localIDBits) }

// LocalID returns the origin's local job id component.
func (id FedJobID) LocalID() uint32 { return uint32(id) & (1<<localIDBits - 1) }

// Bit returns the sibling-bitmask bit for a cluster id (1-based, ids 1..63).
// Cluster id 0 (unassigned) has no valid bit and returns 0.
func Bit(id ClusterID) uint64 {
	if id == 0 || id > MaxClusters {
		return 0
	}
	return 1 << (id - 1)
}

// State is a peer's coarse federation membership state.
type State uint32

const (
	StateInactive State = iota
	StateActive
)

// Flag is OR'd onto a peer's State to request draining or removal.
type Flag uint32

const (
	FlagNone   Flag = 0
	FlagDrain  Flag = 1 << 0
	FlagRemove Flag = 1 << 1
)

// PeerSpec is the persisted, config-store-owned description of one
// federation member: identity, address, and administrative state.
type PeerSpec struct {
	ID       ClusterID
	Name     string
	Addr     string // host:port, may change across a peer failover
	State    State
	Flags    Flag
	Features []string // feature tags this peer's scheduler advertises
}

func (p PeerSpec) Draining() bool { return p.Flags&FlagDrain != 0 }
func (p PeerSpec) Removing() bool { return p.Flags&FlagRemove != 0 }

// FederationRecord is the authoritative, config-store-owned peer list for
// one federation: name plus the ordered peer set.
type FederationRecord struct {
	Name  string
	Peers []PeerSpec
}

// FedJobInfo is the per-job bookkeeping record kept at every peer that has
// ever held a copy of a federated job. It is created at submit, mutated
// under the JobRegistry mutex (by the Job-Update Loop, by Lock/Unlock
// outside the loop, and by the submission orchestrator), and destroyed
// when the job completes at its origin (or purged when revoked at a
// non-origin peer).
//
// Invariants (checked by scenario_test.go):
//  1. ClusterLock != 0  =>  SiblingsActive == {ClusterLock} once the start
//     has been acknowledged by the origin.
//  2. SiblingsActive ⊆ SiblingsViable ∪ {origin}.
//  3. ClusterLock is mutated under the JobRegistry mutex; lock grants are
//     decided at the origin by Lock, which is not routed through the
//     Job-Update Loop.
//  4. SiblingsActive == 0  =>  the job is completed or revoked everywhere.
type FedJobInfo struct {
	JobID          FedJobID
	ClusterLock    ClusterID // 0 == unlocked
	SiblingsActive uint64    // bitmask of peers holding a copy
	SiblingsViable uint64    // bitmask of peers eligible to run it
	Revoked        bool
	Cancelled      bool
	Completing     bool
	RequeueFed     bool // REQUEUE_FED: the next COMPLETE finalizes a requeue instead of revoking

	// UpdatingSibs/UpdatingTime track in-flight UPDATE requests per peer;
	// a nonzero, non-stale count blocks lock acquisition.
	UpdatingSibs [MaxClusters + 1]uint32
	UpdatingTime [MaxClusters + 1]time.Time

	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	ReturnCode int

	// Desc is the submitted job descriptor, kept in memory at the origin
	// so reconciliation can resubmit the job to a sibling that lost its
	// copy. Not persisted in fed_mgr_state; after a restart the
	// origin cannot repair a missing sibling until the job is resubmitted
	// through a fresh user update.
	Desc scheduler.JobDesc
}

// updatingStaleAfter is the window after which an UpdatingSibs entry with a
// stale UpdatingTime is treated as abandoned and cleared rather than
// blocking a lock attempt forever.
const updatingStaleAfter = 60 * time.Second

// HasInFlightUpdate reports whether any peer has an outstanding UPDATE
// request within the non-stale window, clearing stale entries as it scans.
func (j *FedJobInfo) HasInFlightUpdate(now time.Time) bool {
	inFlight := false
	for i := range j.UpdatingSibs {
		if j.UpdatingSibs[i] == 0 {
			continue
		}
		if now.Sub(j.UpdatingTime[i]) > updatingStaleAfter {
			j.UpdatingSibs[i] = 0
			continue
		}
		inFlight = true
	}
	return inFlight
}
