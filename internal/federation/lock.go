package federation

import "time"

// This file implements the cluster lock protocol: the origin is the
// sole arbiter of which peer may start a given job. Start runs on the
// Job-Update Loop (UpdStart). Lock and Unlock are not routed through the
// loop: the origin's RPC handler and RequestLock call them directly, and
// two lock attempts for the same job are kept from interleaving only by
// the JobRegistry mutex that Mutate holds.

// Lock grants the cluster lock for jobID to peer P, unless the job has an
// in-flight update to any peer or is already locked by someone else.
func (r *JobRegistry) Lock(jobID FedJobID, by ClusterID) error {
	var result error
	found := r.Mutate(jobID, func(j *FedJobInfo) {
		if j.HasInFlightUpdate(now()) {
			result = &StateError{Code: StateUpdateInFlight, Msg: "job update in flight"}
			return
		}
		if j.ClusterLock != 0 {
			if j.ClusterLock == by {
				return // re-entrant grant to the current holder
			}
			result = &StateError{Code: StateLockHeld, Msg: "already locked"}
			return
		}
		j.ClusterLock = by
	})
	if !found {
		return &StateError{Code: StateJobUnknown, Msg: "no such job"}
	}
	return result
}

// Unlock releases the cluster lock, only if currently held by P.
func (r *JobRegistry) Unlock(jobID FedJobID, by ClusterID) error {
	var result error
	found := r.Mutate(jobID, func(j *FedJobInfo) {
		if j.ClusterLock != by {
			result = &StateError{Code: StateLockMismatch, Msg: "unlock by non-holder"}
			return
		}
		j.ClusterLock = 0
	})
	if !found {
		return &StateError{Code: StateJobUnknown, Msg: "no such job"}
	}
	return result
}

// startResult describes the siblings a Start call needs revoked, computed
// while the registry is locked and returned so the caller can enqueue the
// REVOKE RPCs outside that lock — never block on peer I/O while holding
// a core lock.
type startResult struct {
	revokeMask   uint64 // previously-active siblings other than P
	revokeOrigin bool   // also revoke the origin's own tracking copy
}

// Start records P as the running peer for jobID and reports which other
// siblings must now be revoked.
func (r *JobRegistry) Start(jobID FedJobID, by ClusterID, startTime time.Time) (startResult, error) {
	var res startResult
	var resultErr error
	found := r.Mutate(jobID, func(j *FedJobInfo) {
		if j.ClusterLock != by || by == 0 {
			resultErr = &StateError{Code: StateLockMismatch, Msg: "start by non-holder"}
			return
		}
		prevActive := j.SiblingsActive
		j.SiblingsActive = Bit(by)
		j.StartTime = startTime
		res.revokeMask = prevActive &^ Bit(by)
		origin := jobID.Origin()
		if by != origin {
			res.revokeOrigin = true
			res.revokeMask |= Bit(origin) &^ Bit(by)
		}
	})
	if !found {
		return res, &StateError{Code: StateJobUnknown, Msg: "no such job"}
	}
	return res, resultErr
}
