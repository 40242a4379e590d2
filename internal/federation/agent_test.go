package federation

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/fedmgr/internal/logging"
	"frameworks/fedmgr/internal/metrics"
	"frameworks/fedmgr/internal/scheduler"
	"frameworks/fedmgr/internal/transport"
)

// TestBackoffSchedule checks the defer schedule: 0 -> 2 -> 4 -> ... ->
// 128, a one-shot warning at the 128 boundary, then unbounded doubling.
// The sequence must never decrease.
func TestBackoffSchedule(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"), activePeer(2, "peer2"))
	rpc := &PendingRpc{}

	want := []int{2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}
	for i, w := range want {
		m.agent.advanceBackoff(rpc, now(), "peer2")
		if rpc.DeferSeconds != w {
			t.Fatalf("step %d: DeferSeconds = %d, want %d", i, rpc.DeferSeconds, w)
		}
	}
	if !rpc.warnedOnce {
		t.Error("the repeatedly-failing warning must have fired at the 128s boundary")
	}
}

// newAgentTestManager wires a manager whose transport delivers to a canned
// responder, so sweep() round-trips a real batch without a second Manager.
func newAgentTestManager(t *testing.T, respond transport.RecvHandler) (*Manager, *transport.PipeTransport) {
	t.Helper()
	ctx := context.Background()
	self := transport.NewPipeTransport("self")
	other := transport.NewPipeTransport("peer2")
	self.Connect("peer2", other)
	if err := other.ServeRecv(ctx, "", respond, nil); err != nil {
		t.Fatalf("ServeRecv: %v", err)
	}

	m := NewManager(Config{
		LocalName: "self",
		Scheduler: scheduler.NewMemScheduler(),
		Transport: self,
		Store:     NewFakeConfigStore(),
		Logger:    logging.NewLogger(),
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
	})
	m.localID = 1
	m.fedName = "fed1"
	m.peers.Put(1, NewPeer(activePeer(1, "self")))
	m.peers.Put(2, NewPeer(activePeer(2, "peer2")))
	return m, self
}

// TestSweepRetiresSuccessesAndBacksOffFailures drives one agent sweep
// against a responder acking the first sub-request and failing the second:
// the first RPC must leave the queue, the second must stay with its defer
// advanced to the start of the schedule.
func TestSweepRetiresSuccessesAndBacksOffFailures(t *testing.T) {
	m, self := newAgentTestManager(t, func(peerName string, payload transport.Envelope) (transport.Envelope, error) {
		req, err := decodeBatchRequest(payload)
		if err != nil {
			return nil, err
		}
		rcs := make([]int, len(req.Msgs))
		for i := range rcs {
			if i > 0 {
				rcs[i] = -1
			}
		}
		return encodeBatchResponse(batchResponse{RCs: rcs})
	})
	ctx := context.Background()
	if err := self.Open(ctx, "peer2", "peer2:9000"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	jobA, jobB := NewFedJobID(1, 1), NewFedJobID(1, 2)
	m.agent.Enqueue(2, &PendingRpc{Msg: SibMsg{Type: MsgComplete, JobID: jobA}, JobID: jobA, MsgType: MsgComplete})
	m.agent.Enqueue(2, &PendingRpc{Msg: SibMsg{Type: MsgComplete, JobID: jobB}, JobID: jobB, MsgType: MsgComplete})

	m.agent.sweep(ctx)

	p, _ := m.peers.Get(2)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) != 1 {
		t.Fatalf("queue length after sweep = %d, want 1 (the failed RPC)", len(p.queue))
	}
	if p.queue[0].JobID != jobB {
		t.Errorf("surviving RPC is for job %d, want %d", p.queue[0].JobID, jobB)
	}
	if p.queue[0].DeferSeconds != initialDeferSeconds {
		t.Errorf("DeferSeconds = %d, want %d", p.queue[0].DeferSeconds, initialDeferSeconds)
	}
}

// TestSweepBacksOffOnTransportFailure: a batch-level failure retires
// nothing, but the whole retry window stays queued with its backoff
// advanced — an unreachable peer must not be re-contacted every sweep.
func TestSweepBacksOffOnTransportFailure(t *testing.T) {
	m, _ := newAgentTestManager(t, nil)
	// Open never called: SendRecv fails at the transport layer.

	jobA := NewFedJobID(1, 1)
	m.agent.Enqueue(2, &PendingRpc{Msg: SibMsg{Type: MsgComplete, JobID: jobA}, JobID: jobA, MsgType: MsgComplete})
	m.agent.sweep(context.Background())

	p, _ := m.peers.Get(2)
	p.mu.Lock()
	if len(p.queue) != 1 {
		p.mu.Unlock()
		t.Fatalf("queue length = %d, want 1", len(p.queue))
	}
	if p.queue[0].DeferSeconds != initialDeferSeconds {
		t.Errorf("DeferSeconds = %d after a transport failure, want %d", p.queue[0].DeferSeconds, initialDeferSeconds)
	}
	p.mu.Unlock()

	// The next sweep lands inside the backoff window, so the RPC is not
	// re-sent and the defer does not advance again.
	m.agent.sweep(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue[0].DeferSeconds != initialDeferSeconds {
		t.Errorf("DeferSeconds = %d after an in-window sweep, want still %d", p.queue[0].DeferSeconds, initialDeferSeconds)
	}
}

// TestSweepSkipsNotYetDueRPCs: an RPC inside its backoff window stays out
// of the batch entirely.
func TestSweepSkipsNotYetDueRPCs(t *testing.T) {
	delivered := 0
	m, self := newAgentTestManager(t, func(peerName string, payload transport.Envelope) (transport.Envelope, error) {
		req, err := decodeBatchRequest(payload)
		if err != nil {
			return nil, err
		}
		delivered += len(req.Msgs)
		return encodeBatchResponse(batchResponse{RCs: make([]int, len(req.Msgs))})
	})
	ctx := context.Background()
	if err := self.Open(ctx, "peer2", "peer2:9000"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	jobA := NewFedJobID(1, 1)
	m.agent.Enqueue(2, &PendingRpc{
		Msg:          SibMsg{Type: MsgComplete, JobID: jobA},
		JobID:        jobA,
		MsgType:      MsgComplete,
		LastTry:      now(),
		DeferSeconds: 64,
	})
	m.agent.sweep(ctx)

	if delivered != 0 {
		t.Errorf("delivered %d RPCs still inside their backoff window, want 0", delivered)
	}
	p, _ := m.peers.Get(2)
	if p.QueueLen() != 1 {
		t.Error("the deferred RPC must stay queued")
	}
}

// TestShutdownDropsAbandonedRPCs: once the loop exits, every still-queued
// RPC is logged and dropped.
func TestShutdownDropsAbandonedRPCs(t *testing.T) {
	m, _ := newAgentTestManager(t, nil)
	jobA := NewFedJobID(1, 1)
	m.agent.Enqueue(2, &PendingRpc{Msg: SibMsg{Type: MsgComplete, JobID: jobA}, JobID: jobA, MsgType: MsgComplete})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.agent.Run(ctx)

	p, _ := m.peers.Get(2)
	if p.QueueLen() != 0 {
		t.Error("abandoned RPCs must be dropped at shutdown")
	}
}
