package federation

import (
	"context"
	"testing"
	"time"

	"frameworks/fedmgr/internal/scheduler"
)

// startLoop runs the Job-Update Loop for the duration of the test.
func startLoop(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.jobUpdate.Run(ctx)
}

// apply enqueues u with a reply channel and waits for the loop to process
// it.
func apply(t *testing.T, m *Manager, u JobUpdate) SubmitResult {
	t.Helper()
	u.ReplyCh = make(chan SubmitResult, 1)
	m.EnqueueUpdate(u)
	select {
	case res := <-u.ReplyCh:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("job-update loop never applied kind %d", u.Kind)
		return SubmitResult{}
	}
}

// TestInboundSubmitIdempotent covers the idempotence property: handling
// the same SUBMIT envelope twice yields exactly one FedJobInfo with the
// same state (purge-then-recreate).
func TestInboundSubmitIdempotent(t *testing.T) {
	m, sched := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(2, 5)
	u := JobUpdate{Kind: UpdSubmitBatch, JobID: jobID, Peer: 2, Desc: scheduler.JobDesc{Name: "dup", Priority: 10}}

	for i := 0; i < 2; i++ {
		if res := apply(t, m, u); res.Err != nil {
			t.Fatalf("submit %d: %v", i, res.Err)
		}
	}

	j, ok := m.jobs.Get(jobID)
	if !ok {
		t.Fatal("no FedJobInfo registered")
	}
	if j.SiblingsActive != Bit(1) {
		t.Errorf("SiblingsActive = %b, want only the local bit", j.SiblingsActive)
	}
	if len(m.jobs.All()) != 1 {
		t.Errorf("registry holds %d records, want 1", len(m.jobs.All()))
	}
	if _, err := sched.FindJob(context.Background(), jobID.LocalID()); err != nil {
		t.Errorf("scheduler record missing after duplicate submit: %v", err)
	}
}

// TestInboundSubmitAcksOrigin: a sibling-side SUBMIT queues a SUBMIT_RESP
// back to the origin through the agent queue.
func TestInboundSubmitAcksOrigin(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(2, 6)
	apply(t, m, JobUpdate{Kind: UpdSubmitBatch, JobID: jobID, Peer: 2, Desc: scheduler.JobDesc{Priority: 10}})

	p, _ := m.peers.Get(2)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 1 || p.queue[0].MsgType != MsgSubmitResp {
		t.Fatalf("queued = %+v, want one MsgSubmitResp", p.queue)
	}
	if p.queue[0].Msg.ReturnCode != 0 {
		t.Errorf("SUBMIT_RESP rc = %d, want 0", p.queue[0].Msg.ReturnCode)
	}
}

// TestSubmitRespFailureClearsSiblingBit: a nonzero rc
// drops the responding peer from both bitmasks.
func TestSubmitRespFailureClearsSiblingBit(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(1, 3)
	m.jobs.Put(&FedJobInfo{JobID: jobID, SiblingsActive: Bit(1) | Bit(2), SiblingsViable: Bit(1) | Bit(2)})

	apply(t, m, JobUpdate{Kind: UpdSubmitResp, JobID: jobID, Peer: 2, RC: -1})

	j, _ := m.jobs.Get(jobID)
	if j.SiblingsActive != Bit(1) || j.SiblingsViable != Bit(1) {
		t.Errorf("masks = %b/%b, want peer 2 cleared from both", j.SiblingsActive, j.SiblingsViable)
	}
}

// TestCompleteFinalizesRequeue: a job carrying the
// requeue-federation bit is finalized back into the queue instead of being
// revoked.
func TestCompleteFinalizesRequeue(t *testing.T) {
	m, sched := newTestManager(t, 1, activePeer(1, "self"))
	startLoop(t, m)

	jobID := NewFedJobID(1, 7)
	if _, err := sched.Allocate(context.Background(), 7, scheduler.JobDesc{Priority: 0}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.jobs.Put(&FedJobInfo{JobID: jobID, RequeueFed: true, Completing: true, SiblingsActive: Bit(1)})

	apply(t, m, JobUpdate{Kind: UpdComplete, JobID: jobID, RC: 0})

	j, _ := m.jobs.Get(jobID)
	if j.Revoked {
		t.Error("a requeue-finalized job must not be revoked")
	}
	if j.Completing || j.RequeueFed {
		t.Errorf("Completing/RequeueFed = %v/%v, want both cleared", j.Completing, j.RequeueFed)
	}
	st, err := sched.FindJob(context.Background(), 7)
	if err != nil {
		t.Fatalf("FindJob: %v", err)
	}
	if st.Held {
		t.Error("requeue finalization must clear the hold")
	}
}

// TestLocalUpdateFansOutToActiveSiblings: a locally-originated UPDATE at
// the origin forwards to every active sibling and counts the in-flight
// send, which in turn blocks lock acquisition until the sibling acks.
func TestLocalUpdateFansOutToActiveSiblings(t *testing.T) {
	m, sched := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(1, 4)
	if _, err := sched.Allocate(context.Background(), 4, scheduler.JobDesc{Priority: 10}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.jobs.Put(&FedJobInfo{JobID: jobID, SiblingsActive: Bit(1) | Bit(2), SiblingsViable: Bit(1) | Bit(2)})

	if res := apply(t, m, JobUpdate{Kind: UpdUpdate, JobID: jobID, Desc: scheduler.JobDesc{Priority: 20}}); res.Err != nil {
		t.Fatalf("update: %v", res.Err)
	}

	p, _ := m.peers.Get(2)
	p.mu.Lock()
	queued := len(p.queue)
	var msgType SibMsgType
	if queued > 0 {
		msgType = p.queue[0].MsgType
	}
	p.mu.Unlock()
	if queued != 1 || msgType != MsgUpdate {
		t.Fatalf("peer 2 queue = %d entries of type %d, want one MsgUpdate", queued, msgType)
	}

	if err := m.jobs.Lock(jobID, 2); err == nil {
		t.Fatal("lock must be denied while an update is in flight")
	}

	apply(t, m, JobUpdate{Kind: UpdUpdateResponse, JobID: jobID, Peer: 2, RC: 0})

	j, _ := m.jobs.Get(jobID)
	if j.UpdatingSibs[2] != 0 {
		t.Errorf("UpdatingSibs[2] = %d after the ack, want 0", j.UpdatingSibs[2])
	}
	if err := m.jobs.Lock(jobID, 2); err != nil {
		t.Errorf("lock after the update settled: %v", err)
	}
}

// TestPeerUpdateSendsUpdateResponse: an UPDATE requested by a peer is
// acked back to it rather than fanned out.
func TestPeerUpdateSendsUpdateResponse(t *testing.T) {
	m, sched := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(2, 9)
	if _, err := sched.Allocate(context.Background(), 9, scheduler.JobDesc{Priority: 10}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.jobs.Put(&FedJobInfo{JobID: jobID, SiblingsActive: Bit(1)})

	apply(t, m, JobUpdate{Kind: UpdUpdate, JobID: jobID, Peer: 2, Desc: scheduler.JobDesc{Priority: 20}})

	p, _ := m.peers.Get(2)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 1 || p.queue[0].MsgType != MsgUpdateResponse {
		t.Fatalf("queued = %d entries, want one MsgUpdateResponse", len(p.queue))
	}
}

// TestRemoveActiveSibBit.
func TestRemoveActiveSibBit(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	startLoop(t, m)

	jobID := NewFedJobID(1, 2)
	m.jobs.Put(&FedJobInfo{JobID: jobID, SiblingsActive: Bit(1) | Bit(2)})

	apply(t, m, JobUpdate{Kind: UpdRemoveActiveSibBit, JobID: jobID, Peer: 2})

	j, _ := m.jobs.Get(jobID)
	if j.SiblingsActive != Bit(1) {
		t.Errorf("SiblingsActive = %b, want only the local bit", j.SiblingsActive)
	}
}

// TestCancelDelegatesToKillStep.
func TestCancelDelegatesToKillStep(t *testing.T) {
	m, sched := newTestManager(t, 1, activePeer(1, "self"))
	startLoop(t, m)

	jobID := NewFedJobID(1, 8)
	if _, err := sched.Allocate(context.Background(), 8, scheduler.JobDesc{Priority: 10}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if res := apply(t, m, JobUpdate{Kind: UpdCancel, JobID: jobID, KillMsg: "user cancel", UID: 1000}); res.Err != nil {
		t.Fatalf("cancel: %v", res.Err)
	}

	// An unknown local job surfaces the scheduler's error to the enqueuer.
	missing := NewFedJobID(1, 999)
	if res := apply(t, m, JobUpdate{Kind: UpdCancel, JobID: missing}); res.Err == nil {
		t.Error("cancel of an unknown job must surface an error")
	}
}
