package federation

import (
	"context"
	"time"
)

// This file implements the caller-facing half of the cluster lock
// protocol: the entry points a local scheduler uses when its own
// job reaches "ready to run" and wants to either win the right to start
// jobID, or report that it just did. lock.go's JobRegistry methods are
// the origin's arbiter logic; these methods decide whether that logic can
// be called in-process or must be reached over the wire.

// RequestLock acquires the cluster lock for jobID on behalf of this peer.
// If this peer is the job's origin, the request is answered directly
// against JobRegistry (already internally serialized by JobListMutex) and
// never touches the network. Otherwise it travels synchronously to the
// origin as LOCK_REQUEST — the one RPC that bypasses the agent queue,
// because the local scheduler must see the answer before it commits to
// running the job.
func (m *Manager) RequestLock(ctx context.Context, jobID FedJobID) error {
	origin := jobID.Origin()
	if origin == m.LocalID() {
		return m.jobs.Lock(jobID, origin)
	}
	return m.syncLockRPC(ctx, origin, jobID, MsgLockRequest)
}

// RequestUnlock releases the cluster lock for jobID, the release
// counterpart of RequestLock.
func (m *Manager) RequestUnlock(ctx context.Context, jobID FedJobID) error {
	origin := jobID.Origin()
	if origin == m.LocalID() {
		return m.jobs.Unlock(jobID, origin)
	}
	return m.syncLockRPC(ctx, origin, jobID, MsgUnlockRequest)
}

// syncLockRPC sends a single-message batch directly over transport.SendRecv,
// outside the agent's pending queue, and translates the batched reply's
// lone return code back into an error.
func (m *Manager) syncLockRPC(ctx context.Context, origin ClusterID, jobID FedJobID, msgType SibMsgType) error {
	p, ok := m.peers.Get(origin)
	if !ok {
		return &StateError{Code: StateJobUnknown, Msg: "origin peer not in federation"}
	}

	batch := batchRequest{Msgs: []SibMsg{{Type: msgType, JobID: jobID, ClusterID: m.LocalID()}}}
	payload, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	raw, err := m.transport.SendRecv(ctx, p.Spec.Name, payload)
	if err != nil {
		return &TransportError{Peer: p.Spec.Name, Err: err}
	}
	resp, err := decodeBatchResponse(raw)
	if err != nil {
		return err
	}
	if len(resp.RCs) == 0 || resp.RCs[0] != 0 {
		return &StateError{Code: StateLockHeld, Msg: "lock request denied by origin"}
	}
	return nil
}

// ReportStart implements the Start half of the cluster lock protocol:
// once the lock holder's local scheduler is actually ready to run jobID,
// it calls this. At the origin, Start is applied through the ordinary
// Job-Update Loop so it can never interleave with a peer-reported START
// or a concurrent Lock/Unlock; at a non-origin peer it is forwarded to
// the origin as an ordinary agent-queue START envelope, since only
// LOCK_REQUEST/UNLOCK_REQUEST bypass that queue.
func (m *Manager) ReportStart(ctx context.Context, jobID FedJobID, startTime time.Time) error {
	origin := jobID.Origin()
	local := m.LocalID()

	if origin == local {
		reply := make(chan SubmitResult, 1)
		m.EnqueueUpdate(JobUpdate{Kind: UpdStart, JobID: jobID, Peer: local, StartTime: startTime, ReplyCh: reply})
		select {
		case res := <-reply:
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.agent.Enqueue(origin, &PendingRpc{
		Msg: SibMsg{
			Type:      MsgStart,
			JobID:     jobID,
			ClusterID: local,
			StartTime: startTime,
		},
		JobID:   jobID,
		MsgType: MsgStart,
		LastTry: now(),
	})
	return nil
}
