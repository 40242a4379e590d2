package federation

import (
	"context"
	"errors"
	"reflect"
	"time"

	"frameworks/fedmgr/internal/scheduler"
)

// This file implements SYNC/SEND_JOB_SYNC reconciliation: the
// mechanism a peer uses to repair its job bookkeeping after a partition or
// restart left it holding a stale or missing record. The origin's view is
// always authoritative for lock holder and completion state; a non-origin
// peer's SYNC can only ever report what it itself is doing with its copy.

// sigkillMsg is the local kill delivered when the origin no longer tracks
// a sibling copy we still hold.
const sigkillMsg = "SIGKILL"

// reconcileSync applies a SYNC payload received from peerID. Every SibMsg
// carries its sender's ClusterID directly; a peer's config-store
// name is not a reliable way to identify the sender of an inbound TCP
// connection, since the recv side only ever sees the connecting socket's
// ephemeral remote address.
//
// The payload is the sender's view of every job it originated, plus every
// job we originated that it still holds a copy of. Reconciliation runs in
// both directions: jobs the sender lists are checked against our records,
// and our records relevant to the sender are checked for absence from its
// list. Always runs on the Job-Update Loop goroutine, the sole mutator of
// job state.
func (m *Manager) reconcileSync(ctx context.Context, peerID ClusterID, payload SyncPayload) {
	if peerID == 0 {
		return
	}
	remote := make(map[FedJobID]SyncJobEntry, len(payload.Jobs))
	for _, e := range payload.Jobs {
		remote[e.JobID] = e
	}

	for _, j := range m.jobs.All() {
		switch j.JobID.Origin() {
		case peerID:
			m.reconcileFromOrigin(ctx, j, remote, payload.SyncTime)
		case m.localID:
			m.reconcileAsOrigin(ctx, j, peerID, remote, payload.SyncTime)
		}
	}

	// Jobs the sender originated that we hold no record of at all: adopt
	// the origin's view so a restarted receiver re-learns the sibling set.
	for _, e := range payload.Jobs {
		if e.JobID.Origin() != peerID {
			continue
		}
		if _, ok := m.jobs.Get(e.JobID); ok {
			continue
		}
		m.jobs.Put(&FedJobInfo{
			JobID:          e.JobID,
			ClusterLock:    e.LockHolder,
			SiblingsActive: Bit(e.LockHolder),
			Completing:     e.Completing,
		})
	}
}

// reconcileFromOrigin handles a local job whose origin is the SYNC sender:
// the sender's word on lock holder and liveness is final.
func (m *Manager) reconcileFromOrigin(ctx context.Context, j *FedJobInfo, remote map[FedJobID]SyncJobEntry, syncTime time.Time) {
	entry, ok := remote[j.JobID]
	if !ok {
		// Absent (or already completed) at the origin. Flush our copy:
		// kill anything the local scheduler is doing with it and revoke,
		// which also purges the record since we are not the origin.
		if j.Revoked || j.SubmitTime.After(syncTime) {
			return
		}
		if err := m.scheduler.KillStep(ctx, j.JobID.LocalID(), sigkillMsg, 0); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
			m.logger.WithError(err).WithField("job_id", j.JobID).Warn("sync: kill of flushed sibling copy failed")
		}
		m.Revoke(ctx, j.JobID, false, 0, j.StartTime)
		return
	}

	// Origin still tracks it; adopt its view of the lock holder.
	if entry.LockHolder != j.ClusterLock {
		m.jobs.Mutate(j.JobID, func(j *FedJobInfo) {
			j.ClusterLock = entry.LockHolder
			if entry.LockHolder != 0 {
				j.SiblingsActive = Bit(entry.LockHolder)
			}
		})
	}
	if entry.Completing && !j.Completing {
		m.jobs.Mutate(j.JobID, func(j *FedJobInfo) { j.Completing = true })
	}
}

// reconcileAsOrigin handles a local job we originated, against what the
// SYNC sender (a sibling) reports about its own copy.
func (m *Manager) reconcileAsOrigin(ctx context.Context, j *FedJobInfo, sib ClusterID, remote map[FedJobID]SyncJobEntry, syncTime time.Time) {
	entry, ok := remote[j.JobID]
	if !ok {
		if j.Revoked || j.Completing || j.SubmitTime.After(syncTime) {
			return
		}
		if j.SiblingsViable&Bit(sib) == 0 {
			return
		}
		switch j.ClusterLock {
		case 0:
			// The sibling lost its copy without anyone holding the lock;
			// restore it so the job can still race there.
			m.resubmitTo(j, sib)
		case sib:
			// The lock holder lost the work entirely. Nothing is running
			// anywhere; the job is over at its last-known return code.
			m.jobs.Mutate(j.JobID, func(j *FedJobInfo) {
				j.ClusterLock = 0
				j.SiblingsActive &^= Bit(sib)
			})
			m.Revoke(ctx, j.JobID, true, j.ReturnCode, j.StartTime)
		}
		// Lock held by a third peer: normal rebalance, nothing to repair.
		return
	}

	switch {
	case j.Revoked:
		// We are done with it but the sibling still lists it: it missed
		// our COMPLETE. Tell it again.
		m.RevokeSiblings(j.JobID, 0, Bit(sib), j.StartTime, j.ReturnCode)
	case j.ClusterLock == sib && entry.Completing:
		// The running peer finished while we were apart; revoke our
		// tracking copy with its exit code.
		m.Revoke(ctx, j.JobID, true, entry.ExitCode, j.StartTime)
	case j.ClusterLock == 0 && j.SiblingsActive&Bit(sib) == 0:
		// The sibling holds a copy we forgot about; repair the bit.
		m.jobs.Mutate(j.JobID, func(j *FedJobInfo) { j.SiblingsActive |= Bit(sib) })
	case j.ClusterLock != 0 && j.ClusterLock != sib:
		// Some other peer already won; the sibling's copy should have been
		// revoked when Start fanned out. Revoke it again.
		m.RevokeSiblings(j.JobID, 0, Bit(sib), j.StartTime, 0)
	}
}

// resubmitTo restores a missing sibling copy at sib from the descriptor
// kept on the origin's record. After a restart the descriptor is gone
// (fed_mgr_state does not persist it); the repair is skipped and logged.
func (m *Manager) resubmitTo(j *FedJobInfo, sib ClusterID) {
	if reflect.ValueOf(j.Desc).IsZero() {
		m.logger.WithField("job_id", j.JobID).Warn("sync: no descriptor retained (restored from snapshot); cannot restore sibling")
		return
	}
	payload, err := encodeJobDesc(j.Desc)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", j.JobID).Warn("sync: cannot re-encode descriptor to restore sibling")
		return
	}
	m.agent.Enqueue(sib, &PendingRpc{
		Msg: SibMsg{
			Type:        MsgSubmitBatch,
			JobID:       j.JobID,
			ClusterID:   m.localID,
			FedSiblings: j.SiblingsViable,
			Inner:       payload,
		},
		JobID:   j.JobID,
		MsgType: MsgSubmitBatch,
		LastTry: now(),
	})
	m.jobs.Mutate(j.JobID, func(j *FedJobInfo) { j.SiblingsActive |= Bit(sib) })
}

// sendJobSync answers a SEND_JOB_SYNC request by pushing this peer's view
// to the requester: every job that originated here or at the
// requester, is not revoked (completing jobs stay listed), and was
// submitted before syncTime.
func (m *Manager) sendJobSync(ctx context.Context, peerID ClusterID) {
	if peerID == 0 {
		return
	}
	syncTime := now()

	jobs := m.jobs.All()
	entries := make([]SyncJobEntry, 0, len(jobs))
	for _, j := range jobs {
		origin := j.JobID.Origin()
		if origin != m.localID && origin != peerID {
			continue
		}
		// Completing jobs stay listed, carrying their exit code: the
		// origin's remote-completion repair keys off a listed entry with
		// Completing set, so excluding them here would break it. Only
		// fully terminal (revoked) jobs are treated as "completed" and
		// left out, which the receiver reads as absence.
		if j.Revoked || j.SubmitTime.After(syncTime) {
			continue
		}
		entries = append(entries, SyncJobEntry{
			JobID:      j.JobID,
			LockHolder: j.ClusterLock,
			Completing: j.Completing,
			ExitCode:   j.ReturnCode,
		})
	}

	payload, err := encodeSyncPayload(SyncPayload{
		SenderProtocolVersion: uint32(SnapshotProtocolVersion),
		SyncTime:              syncTime,
		Jobs:                  entries,
	})
	if err != nil {
		m.logger.WithError(err).Warn("sync: failed to encode job sync payload")
		return
	}

	m.agent.Enqueue(peerID, &PendingRpc{
		Msg:     SibMsg{Type: MsgSync, ClusterID: m.localID, Inner: payload},
		MsgType: MsgSync,
		LastTry: now(),
	})
}
