package federation

import (
	"context"
	"math/bits"
	"time"
)

// Revoke marks a job revoked at the local peer, finalizing
// a pending requeue instead if one is outstanding, and purging the
// in-memory record if this peer is not the job's origin.
func (m *Manager) Revoke(ctx context.Context, jobID FedJobID, isComplete bool, rc int, startTime time.Time) {
	j, ok := m.jobs.Get(jobID)
	if !ok {
		return
	}

	var alreadyDone, finalizeRequeue bool
	m.jobs.Mutate(jobID, func(j *FedJobInfo) {
		if j.Revoked {
			alreadyDone = true
			return
		}
		if j.RequeueFed {
			finalizeRequeue = true
			j.RequeueFed = false
			j.Completing = false
			return
		}
		j.Revoked = true
		if isComplete {
			j.Cancelled = true
		}
		j.StartTime = startTime
		j.EndTime = now()
		j.ReturnCode = rc
	})
	if alreadyDone {
		return
	}

	if finalizeRequeue {
		if err := m.scheduler.Requeue(ctx, jobID.LocalID(), true, 0); err != nil {
			m.logger.WithError(err).WithField("job_id", jobID).Warn("requeue finalization failed")
		}
		return
	}

	if err := m.scheduler.Revoke(ctx, jobID.LocalID(), isComplete, rc, startTime); err != nil {
		m.logger.WithError(err).WithField("job_id", jobID).Warn("local scheduler revoke failed")
	}
	m.logger.WithFields(map[string]any{
		"job_id": jobID,
		"rc":     rc,
	}).Info("federated job revoked at this peer")

	if jobID.Origin() != m.localID {
		m.scheduler.PurgeJob(ctx, jobID.LocalID())
		m.jobs.Purge(jobID)
	}
	_ = j
}

// RevokeSiblings walks mask ascending, skipping the local peer and except,
// and enqueues a REVOKE RPC (class COMPLETE) per selected peer.
func (m *Manager) RevokeSiblings(jobID FedJobID, except ClusterID, mask uint64, startTime time.Time, rc int) {
	for mask != 0 {
		bit := bits.TrailingZeros64(mask)
		mask &^= 1 << bit
		peerID := ClusterID(bit + 1)
		if peerID == m.localID || peerID == except {
			continue
		}
		p, ok := m.peers.Get(peerID)
		if !ok {
			continue
		}
		msg := SibMsg{
			Type:       MsgComplete,
			JobID:      jobID,
			ClusterID:  m.localID,
			StartTime:  startTime,
			ReturnCode: rc,
		}
		m.agent.Enqueue(peerID, &PendingRpc{Msg: msg, JobID: jobID, MsgType: MsgComplete, LastTry: now()})
		if m.metrics != nil {
			m.metrics.SiblingRevokesTotal.WithLabelValues("sibling").Inc()
		}
		_ = p
	}
}
