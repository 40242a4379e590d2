package federation

import (
	"context"
	"testing"
)

// TestFirstContactQueuesJobSync: the first envelope received over a
// new connection identifies the sending peer, attaches its recv reference,
// and queues a SEND_JOB_SYNC so the reconnect reconciliation kicks in.
func TestFirstContactQueuesJobSync(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.jobUpdate.Run(ctx)

	m.jobs.Put(&FedJobInfo{JobID: NewFedJobID(1, 3), ClusterLock: 1, SiblingsActive: Bit(1)})

	raw, err := encodeBatch(batchRequest{Msgs: []SibMsg{{Type: MsgRemoveActiveSibBit, JobID: NewFedJobID(1, 3), ClusterID: 2}}})
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	if _, err := m.HandleEnvelope("10.0.0.9:54321", raw); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}

	// The SEND_JOB_SYNC is enqueued ahead of the sub-request itself, and
	// HandleEnvelope does not return until the loop has applied both, so
	// the SYNC reply is already queued by the time it returns.
	p, _ := m.peers.Get(2)
	if !p.HasRecv() {
		t.Error("first contact must attach the peer's recv reference")
	}
	hasSync := func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, rpc := range p.queue {
			if rpc.MsgType == MsgSync {
				return true
			}
		}
		return false
	}
	if !hasSync() {
		t.Fatal("first contact never queued a SYNC back to the reconnecting peer")
	}

	// A second envelope over the same connection must not re-trigger it.
	before := p.QueueLen()
	if _, err := m.HandleEnvelope("10.0.0.9:54321", raw); err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	if p.QueueLen() > before {
		t.Error("a known connection must not queue another SYNC per envelope")
	}

	// The transport's finished callback clears the recv reference.
	m.RecvFinished("10.0.0.9:54321")
	if p.HasRecv() {
		t.Error("RecvFinished must detach the peer's recv reference")
	}
}

// TestHandleEnvelopeUnknownTypeDropsRPC: an unrecognized
// sub-request is answered with a failure rc, not an envelope-level error.
func TestHandleEnvelopeUnknownTypeDropsRPC(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"))

	raw, err := encodeBatch(batchRequest{Msgs: []SibMsg{{Type: SibMsgType(99)}}})
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	respRaw, err := m.HandleEnvelope("peer", raw)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	resp, err := decodeBatchResponse(respRaw)
	if err != nil {
		t.Fatalf("decodeBatchResponse: %v", err)
	}
	if len(resp.RCs) != 1 || resp.RCs[0] == 0 {
		t.Errorf("RCs = %v, want a single failure code", resp.RCs)
	}
}

// TestHandleEnvelopeMalformedBatch: garbage framing is a
// protocol error.
func TestHandleEnvelopeMalformedBatch(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"))
	if _, err := m.HandleEnvelope("peer", []byte("not a gob stream")); err == nil {
		t.Fatal("a malformed batch must be rejected")
	}
}

// TestBatchResponseOrderMatchesRequests: RCs are positional, one per
// sub-request in order.
func TestBatchResponseOrderMatchesRequests(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))

	jobID := NewFedJobID(1, 1)
	m.jobs.Put(&FedJobInfo{JobID: jobID})

	// Lock for peer 2 (grant), lock again for peer 2 (re-entrant grant),
	// unlock by the wrong peer (deny).
	raw, err := encodeBatch(batchRequest{Msgs: []SibMsg{
		{Type: MsgLockRequest, JobID: jobID, ClusterID: 2},
		{Type: MsgLockRequest, JobID: jobID, ClusterID: 2},
		{Type: MsgUnlockRequest, JobID: jobID, ClusterID: 3},
	}})
	if err != nil {
		t.Fatalf("encodeBatch: %v", err)
	}
	respRaw, err := m.HandleEnvelope("peer2", raw)
	if err != nil {
		t.Fatalf("HandleEnvelope: %v", err)
	}
	resp, err := decodeBatchResponse(respRaw)
	if err != nil {
		t.Fatalf("decodeBatchResponse: %v", err)
	}
	want := []int{0, 0, -1}
	if len(resp.RCs) != len(want) {
		t.Fatalf("RCs = %v, want %v", resp.RCs, want)
	}
	for i := range want {
		if resp.RCs[i] != want[i] {
			t.Errorf("RCs[%d] = %d, want %d", i, resp.RCs[i], want[i])
		}
	}
}
