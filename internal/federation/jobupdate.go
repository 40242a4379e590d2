package federation

import (
	"context"
	"errors"
	"time"

	"frameworks/fedmgr/internal/scheduler"
)

// JobUpdateKind discriminates the operations the Job-Update Loop accepts.
// A single ordered queue and one consumer goroutine is what makes the
// cluster lock protocol safe: two mutations of the same job can never
// interleave because there is only ever one goroutine doing the mutating.
type JobUpdateKind int

const (
	UpdSubmitBatch JobUpdateKind = iota
	UpdSubmitInt
	UpdSubmitResp
	UpdStart
	UpdComplete
	UpdCancel
	UpdRequeue
	UpdUpdate
	UpdUpdateResponse
	UpdRemoveActiveSibBit
	UpdSync
	UpdSendJobSync
)

// SubmitResult is delivered on a JobUpdate's ReplyCh, when present, once a
// submit-shaped operation has been applied locally.
type SubmitResult struct {
	JobID FedJobID
	Err   error
}

// JobUpdate is the single envelope type carried on the Job-Update Loop's
// queue; Kind selects which fields are meaningful.
type JobUpdate struct {
	Kind      JobUpdateKind
	JobID     FedJobID
	Peer      ClusterID // sender, lock requester, or update-response origin
	RC        int
	StartTime time.Time
	Desc      scheduler.JobDesc
	Submitter string
	UID       uint32
	KillMsg   string
	ClearHold bool
	Sync      SyncPayload
	ReplyCh   chan SubmitResult
}

// JobUpdateLoop applies inbound peer operations to JobRegistry entries in
// queue order. It is not the only mutator: LOCK_REQUEST/UNLOCK handling
// (rpc.go, lockclient.go) and the submission orchestrator (submit.go)
// change JobRegistry directly, serialized against the loop only by the
// registry's own mutex.
type JobUpdateLoop struct {
	m     *Manager
	queue chan JobUpdate
}

func NewJobUpdateLoop(m *Manager) *JobUpdateLoop {
	return &JobUpdateLoop{m: m, queue: make(chan JobUpdate, 4096)}
}

// Enqueue appends u to the ordered queue. Blocks if the queue is full,
// which is the backpressure signal a production deployment should alert on
// rather than silently drop work.
func (l *JobUpdateLoop) Enqueue(u JobUpdate) {
	l.queue <- u
	l.reportDepth()
}

// Run is the loop's single consumer; it exits once ctx is cancelled,
// leaving anything still queued undelivered, the same shutdown contract
// as the agent loop.
func (l *JobUpdateLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-l.queue:
			l.dispatch(ctx, u)
			l.reportDepth()
		}
	}
}

func (l *JobUpdateLoop) reportDepth() {
	if l.m.metrics != nil {
		l.m.metrics.JobUpdateQueueDepth.Set(float64(len(l.queue)))
	}
}

func (l *JobUpdateLoop) dispatch(ctx context.Context, u JobUpdate) {
	switch u.Kind {
	case UpdSubmitBatch, UpdSubmitInt:
		l.handleSubmit(ctx, u)
	case UpdSubmitResp:
		l.handleSubmitResp(ctx, u)
	case UpdStart:
		l.handleStart(ctx, u)
	case UpdComplete:
		l.handleComplete(ctx, u)
	case UpdCancel:
		l.handleCancel(ctx, u)
	case UpdRequeue:
		l.handleRequeue(ctx, u)
	case UpdUpdate:
		l.handleUpdate(ctx, u)
	case UpdUpdateResponse:
		l.handleUpdateResponse(ctx, u)
	case UpdRemoveActiveSibBit:
		l.handleRemoveActiveSibBit(ctx, u)
	case UpdSync:
		l.m.reconcileSync(ctx, u.Peer, u.Sync)
		l.reply(u, u.JobID, nil)
	case UpdSendJobSync:
		l.m.sendJobSync(ctx, u.Peer)
		l.reply(u, u.JobID, nil)
	}
}

func (l *JobUpdateLoop) reply(u JobUpdate, jobID FedJobID, err error) {
	if u.ReplyCh == nil {
		return
	}
	select {
	case u.ReplyCh <- SubmitResult{JobID: jobID, Err: err}:
	default:
	}
}

// handleSubmit implements SUBMIT_BATCH/SUBMIT_INT as received from a
// peer: the origin already picked the FedJobID and is asking us, a
// sibling, to instantiate a local copy under it. Purge any stale local
// record for the same id, allocate locally under the origin-assigned id,
// and ack back to the origin with SUBMIT_RESP. Unlike the origin's own
// Orchestrator.Submit, a sibling never re-fans-out.
func (l *JobUpdateLoop) handleSubmit(ctx context.Context, u JobUpdate) {
	jobID := u.JobID
	localID := jobID.LocalID()

	l.m.jobs.Purge(jobID)
	st, err := l.m.scheduler.Allocate(ctx, localID, u.Desc)
	if err != nil {
		l.sendSubmitResp(u, jobID, err)
		l.reply(u, jobID, err)
		return
	}

	info := &FedJobInfo{JobID: jobID, SubmitTime: now(), SiblingsActive: Bit(l.m.localID), Desc: u.Desc}
	if st.Failed {
		info.Revoked = true
		info.ReturnCode = -1
	}
	l.m.jobs.Put(info)
	l.sendSubmitResp(u, jobID, nil)
	l.reply(u, jobID, nil)
}

// sendSubmitResp acks a sibling-side SUBMIT back to the origin that sent
// it, traveling through the agent queue like any other
// outbound RPC rather than as part of this batch's synchronous reply.
func (l *JobUpdateLoop) sendSubmitResp(u JobUpdate, jobID FedJobID, err error) {
	if u.Peer == 0 {
		return
	}
	rc := 0
	if err != nil {
		rc = -1
	}
	l.m.agent.Enqueue(u.Peer, &PendingRpc{
		Msg: SibMsg{
			Type:       MsgSubmitResp,
			JobID:      jobID,
			ClusterID:  l.m.localID,
			ReturnCode: rc,
		},
		JobID:   jobID,
		MsgType: MsgSubmitResp,
		LastTry: now(),
	})
}

// handleSubmitResp implements SUBMIT_RESP: a sibling's
// reply to a fan-out submit. A nonzero return code means that peer is not
// carrying the job after all, so it drops out of both bitmasks.
func (l *JobUpdateLoop) handleSubmitResp(ctx context.Context, u JobUpdate) {
	l.m.jobs.Mutate(u.JobID, func(j *FedJobInfo) {
		if u.RC != 0 {
			j.SiblingsViable &^= Bit(u.Peer)
			j.SiblingsActive &^= Bit(u.Peer)
		}
	})
	l.reply(u, u.JobID, nil)
}

// handleStart implements START: the cluster-lock holder
// confirms it is running the job. Revocation of any siblings that lost the
// race happens outside JobRegistry's lock, per Start's contract in lock.go.
func (l *JobUpdateLoop) handleStart(ctx context.Context, u JobUpdate) {
	res, err := l.m.jobs.Start(u.JobID, u.Peer, u.StartTime)
	if err != nil {
		l.reply(u, u.JobID, err)
		return
	}
	if res.revokeOrigin {
		// A non-origin peer won the lock. The origin's local scheduler copy
		// is revoked, but the FedJobInfo stays live (and un-Revoked) as the
		// tracker record so status and reconciliation keep working.
		if err := l.m.scheduler.Revoke(ctx, u.JobID.LocalID(), false, 0, u.StartTime); err != nil {
			l.m.logger.WithError(err).WithField("job_id", u.JobID).Warn("revoke of origin tracking copy failed")
		}
	}
	if res.revokeMask != 0 {
		l.m.RevokeSiblings(u.JobID, u.Peer, res.revokeMask, u.StartTime, 0)
	}
	l.reply(u, u.JobID, nil)
}

// handleComplete implements COMPLETE: delegate straight to
// Revoke, which also handles the REQUEUE_FED finalization case.
func (l *JobUpdateLoop) handleComplete(ctx context.Context, u JobUpdate) {
	l.m.Revoke(ctx, u.JobID, true, u.RC, u.StartTime)
	l.reply(u, u.JobID, nil)
}

// handleCancel implements CANCEL: a local signal/kill delivery.
func (l *JobUpdateLoop) handleCancel(ctx context.Context, u JobUpdate) {
	err := l.m.scheduler.KillStep(ctx, u.JobID.LocalID(), u.KillMsg, u.UID)
	l.reply(u, u.JobID, err)
}

// handleRequeue implements REQUEUE: mark the job so that its next
// COMPLETE finalizes the requeue instead of revoking it, and requeue it
// locally.
func (l *JobUpdateLoop) handleRequeue(ctx context.Context, u JobUpdate) {
	l.m.jobs.Mutate(u.JobID, func(j *FedJobInfo) {
		j.RequeueFed = true
		j.Completing = true
	})
	err := l.m.scheduler.Requeue(ctx, u.JobID.LocalID(), u.ClearHold, u.UID)
	l.reply(u, u.JobID, err)
}

// handleUpdate implements UPDATE: apply a job-descriptor change,
// retrying up to 5 times with a 1-second sleep while the local scheduler's
// database index has not yet been assigned, then reply to the requesting
// peer with UPDATE_RESPONSE. A locally-originated update (Peer == 0) at
// the job's origin additionally fans the change out to every active
// sibling, counting each send in UpdatingSibs so lock acquisition is
// blocked until the siblings ack.
func (l *JobUpdateLoop) handleUpdate(ctx context.Context, u JobUpdate) {
	const maxAttempts = 6 // the first try plus up to 5 retries
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = l.m.scheduler.Update(ctx, u.JobID.LocalID(), u.Desc, u.Submitter, u.UID)
		if !errors.Is(err, scheduler.ErrIndexNotAssigned) {
			break
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxAttempts
		case <-time.After(time.Second):
		}
	}
	if u.Peer == 0 && err == nil {
		l.fanOutUpdate(u)
	}
	l.reply(u, u.JobID, err)

	if u.Peer != 0 {
		rc := 0
		if err != nil {
			rc = -1
		}
		l.m.agent.Enqueue(u.Peer, &PendingRpc{
			Msg: SibMsg{
				Type:       MsgUpdateResponse,
				JobID:      u.JobID,
				ClusterID:  l.m.LocalID(),
				ReturnCode: rc,
			},
			JobID:   u.JobID,
			MsgType: MsgUpdateResponse,
			LastTry: now(),
		})
	}
}

// fanOutUpdate forwards a locally-applied UPDATE to every active sibling,
// stamping UpdatingSibs/UpdatingTime per peer. Each sibling's eventual
// UPDATE_RESPONSE retires its count.
func (l *JobUpdateLoop) fanOutUpdate(u JobUpdate) {
	if u.JobID.Origin() != l.m.localID {
		return
	}
	payload, err := encodeJobDesc(u.Desc)
	if err != nil {
		l.m.logger.WithError(err).WithField("job_id", u.JobID).Error("update fan-out: failed to encode job descriptor")
		return
	}

	var sibs []ClusterID
	l.m.jobs.Mutate(u.JobID, func(j *FedJobInfo) {
		mask := j.SiblingsActive &^ Bit(l.m.localID)
		for id := ClusterID(1); id <= MaxClusters; id++ {
			if mask&Bit(id) == 0 {
				continue
			}
			j.UpdatingSibs[id]++
			j.UpdatingTime[id] = now()
			sibs = append(sibs, id)
		}
	})

	for _, id := range sibs {
		l.m.agent.Enqueue(id, &PendingRpc{
			Msg: SibMsg{
				Type:      MsgUpdate,
				JobID:     u.JobID,
				ClusterID: l.m.localID,
				ReqUID:    u.UID,
				Inner:     payload,
			},
			JobID:   u.JobID,
			MsgType: MsgUpdate,
			LastTry: now(),
		})
	}
}

// handleUpdateResponse implements UPDATE_RESPONSE: retire one
// outstanding in-flight update for the responding peer.
func (l *JobUpdateLoop) handleUpdateResponse(ctx context.Context, u JobUpdate) {
	l.m.jobs.Mutate(u.JobID, func(j *FedJobInfo) {
		idx := int(u.Peer)
		if idx < 0 || idx >= len(j.UpdatingSibs) {
			return
		}
		if j.UpdatingSibs[idx] > 0 {
			j.UpdatingSibs[idx]--
		}
		if j.UpdatingSibs[idx] == 0 {
			j.UpdatingTime[idx] = time.Time{}
		}
	})
	l.reply(u, u.JobID, nil)
}

// handleRemoveActiveSibBit implements REMOVE_ACTIVE_SIB_BIT: a
// sibling reports it is no longer carrying an active copy (e.g. its local
// scheduler rejected or purged it) without this being a full COMPLETE.
func (l *JobUpdateLoop) handleRemoveActiveSibBit(ctx context.Context, u JobUpdate) {
	l.m.jobs.Mutate(u.JobID, func(j *FedJobInfo) {
		j.SiblingsActive &^= Bit(u.Peer)
	})
	l.reply(u, u.JobID, nil)
}
