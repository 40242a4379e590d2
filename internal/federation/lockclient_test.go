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

func TestRequestLockLocalOrigin(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"))
	jobID := NewFedJobID(1, 1)
	m.jobs.Put(&FedJobInfo{JobID: jobID})

	if err := m.RequestLock(context.Background(), jobID); err != nil {
		t.Fatalf("RequestLock at origin: %v", err)
	}
	j, _ := m.jobs.Get(jobID)
	if j.ClusterLock != 1 {
		t.Errorf("ClusterLock = %d, want 1", j.ClusterLock)
	}

	if err := m.RequestUnlock(context.Background(), jobID); err != nil {
		t.Fatalf("RequestUnlock at origin: %v", err)
	}
	j, _ = m.jobs.Get(jobID)
	if j.ClusterLock != 0 {
		t.Error("ClusterLock must be 0 after RequestUnlock")
	}
}

// newWiredPair builds two Managers whose PipeTransports are connected and
// whose peer tables name each other, so non-origin RPCs in lockclient.go
// actually travel across a transport instead of only exercising the
// local-origin shortcut.
func newWiredPair(t *testing.T) (origin, sib *Manager) {
	t.Helper()
	originTr := transport.NewPipeTransport("origin")
	sibTr := transport.NewPipeTransport("sib")
	originTr.Connect("sib", sibTr)
	sibTr.Connect("origin", originTr)

	origin = NewManager(Config{
		LocalName: "origin",
		Scheduler: scheduler.NewMemScheduler(),
		Transport: originTr,
		Logger:    logging.NewLogger(),
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
	})
	sib = NewManager(Config{
		LocalName: "sib",
		Scheduler: scheduler.NewMemScheduler(),
		Transport: sibTr,
		Logger:    logging.NewLogger(),
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
	})

	origin.localID = 1
	origin.fedName = "fed1"
	origin.peers.Put(1, NewPeer(activePeer(1, "origin")))
	origin.peers.Put(2, NewPeer(activePeer(2, "sib")))

	sib.localID = 2
	sib.fedName = "fed1"
	sib.peers.Put(1, NewPeer(activePeer(1, "origin")))
	sib.peers.Put(2, NewPeer(activePeer(2, "sib")))

	ctx := context.Background()
	if err := originTr.ServeRecv(ctx, "origin", origin.HandleEnvelope, func(string) {}); err != nil {
		t.Fatalf("ServeRecv origin: %v", err)
	}
	if err := originTr.Open(ctx, "sib", "sib"); err != nil {
		t.Fatalf("origin Open sib: %v", err)
	}
	if err := sibTr.Open(ctx, "origin", "origin"); err != nil {
		t.Fatalf("sib Open origin: %v", err)
	}
	return origin, sib
}

func TestRequestLockRemoteOriginOverTransport(t *testing.T) {
	origin, sib := newWiredPair(t)
	jobID := NewFedJobID(1, 1)
	origin.jobs.Put(&FedJobInfo{JobID: jobID})

	if err := sib.RequestLock(context.Background(), jobID); err != nil {
		t.Fatalf("RequestLock from non-origin: %v", err)
	}
	j, _ := origin.jobs.Get(jobID)
	if j.ClusterLock != 2 {
		t.Errorf("origin's ClusterLock = %d, want 2 (granted to sib)", j.ClusterLock)
	}

	// A second peer trying to lock the same job while sib holds it must be
	// denied and surfaced as a StateError to the caller.
	if err := origin.RequestLock(context.Background(), jobID); err == nil {
		t.Error("origin locking a job already held by sib must fail")
	} else if _, ok := err.(*StateError); !ok {
		t.Errorf("denied lock error = %T, want *StateError", err)
	}

	if err := sib.RequestUnlock(context.Background(), jobID); err != nil {
		t.Fatalf("RequestUnlock from non-origin: %v", err)
	}
	j, _ = origin.jobs.Get(jobID)
	if j.ClusterLock != 0 {
		t.Error("ClusterLock must be 0 after remote RequestUnlock")
	}
}

func TestRequestLockUnknownOriginPeer(t *testing.T) {
	m, _ := newTestManager(t, 2, activePeer(2, "self"))
	err := m.RequestLock(context.Background(), NewFedJobID(9, 1))
	se, ok := err.(*StateError)
	if !ok || se.Code != StateJobUnknown {
		t.Fatalf("RequestLock against an unknown origin peer = %v, want StateJobUnknown", err)
	}
}

func TestReportStartLocalOrigin(t *testing.T) {
	m, _ := newTestManager(t, 1, activePeer(1, "self"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.jobUpdate.Run(ctx)

	jobID := NewFedJobID(1, 1)
	m.jobs.Put(&FedJobInfo{JobID: jobID, ClusterLock: 1})

	if err := m.ReportStart(context.Background(), jobID, now()); err != nil {
		t.Fatalf("ReportStart at origin: %v", err)
	}
	j, _ := m.jobs.Get(jobID)
	if j.SiblingsActive != Bit(1) {
		t.Errorf("SiblingsActive after Start = %b, want only the holder's bit", j.SiblingsActive)
	}
}
