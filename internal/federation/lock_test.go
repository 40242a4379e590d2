package federation

import (
	"errors"
	"testing"
	"time"
)

func TestLockGrantAndReentrant(t *testing.T) {
	r := NewJobRegistry()
	id := NewFedJobID(1, 1)
	r.Put(&FedJobInfo{JobID: id})

	if err := r.Lock(id, 2); err != nil {
		t.Fatalf("first Lock must succeed, got %v", err)
	}
	if err := r.Lock(id, 2); err != nil {
		t.Fatalf("re-entrant Lock by the current holder must succeed, got %v", err)
	}
}

func TestLockRejectsConflictingHolder(t *testing.T) {
	r := NewJobRegistry()
	id := NewFedJobID(1, 1)
	r.Put(&FedJobInfo{JobID: id})
	if err := r.Lock(id, 2); err != nil {
		t.Fatal(err)
	}

	err := r.Lock(id, 3)
	var se *StateError
	if !errors.As(err, &se) || se.Code != StateLockHeld {
		t.Fatalf("Lock by a second peer while held must return StateLockHeld, got %v", err)
	}
}

func TestLockRejectsWhileUpdateInFlight(t *testing.T) {
	r := NewJobRegistry()
	id := NewFedJobID(1, 1)
	j := &FedJobInfo{JobID: id}
	j.UpdatingSibs[2] = 1
	j.UpdatingTime[2] = now()
	r.Put(j)

	err := r.Lock(id, 2)
	var se *StateError
	if !errors.As(err, &se) || se.Code != StateUpdateInFlight {
		t.Fatalf("Lock during an in-flight update must return StateUpdateInFlight, got %v", err)
	}
}

func TestUnlockByNonHolderRejected(t *testing.T) {
	r := NewJobRegistry()
	id := NewFedJobID(1, 1)
	r.Put(&FedJobInfo{JobID: id})
	if err := r.Lock(id, 2); err != nil {
		t.Fatal(err)
	}

	err := r.Unlock(id, 3)
	var se *StateError
	if !errors.As(err, &se) || se.Code != StateLockMismatch {
		t.Fatalf("Unlock by a non-holder must return StateLockMismatch, got %v", err)
	}

	if err := r.Unlock(id, 2); err != nil {
		t.Fatalf("Unlock by the actual holder must succeed, got %v", err)
	}
}

func TestStartRevokesPreviousSiblingsAndOrigin(t *testing.T) {
	r := NewJobRegistry()
	origin := ClusterID(1)
	id := NewFedJobID(origin, 1)
	j := &FedJobInfo{JobID: id, SiblingsActive: Bit(2) | Bit(3) | Bit(4)}
	r.Put(j)
	if err := r.Lock(id, 4); err != nil {
		t.Fatal(err)
	}

	res, err := r.Start(id, 4, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("Start by the lock holder must succeed, got %v", err)
	}

	wantRevoke := Bit(2) | Bit(3) | Bit(origin)
	if res.revokeMask != wantRevoke {
		t.Errorf("revokeMask = %b, want %b", res.revokeMask, wantRevoke)
	}
	if !res.revokeOrigin {
		t.Error("starting at a non-origin peer must request the origin's tracking copy revoked")
	}

	got, _ := r.Get(id)
	if got.SiblingsActive != Bit(4) {
		t.Errorf("SiblingsActive after Start = %b, want only the starting peer's bit", got.SiblingsActive)
	}
}

func TestStartByNonHolderRejected(t *testing.T) {
	r := NewJobRegistry()
	id := NewFedJobID(1, 1)
	r.Put(&FedJobInfo{JobID: id})
	if err := r.Lock(id, 2); err != nil {
		t.Fatal(err)
	}

	_, err := r.Start(id, 3, now())
	var se *StateError
	if !errors.As(err, &se) || se.Code != StateLockMismatch {
		t.Fatalf("Start by a non-holder must return StateLockMismatch, got %v", err)
	}
}
