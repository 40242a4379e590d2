package federation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleState() PersistedState {
	j1 := FedJobInfo{
		JobID:          NewFedJobID(1, 5),
		ClusterLock:    2,
		SiblingsActive: Bit(2),
		SiblingsViable: Bit(1) | Bit(2),
	}
	j1.UpdatingSibs[2] = 3
	j1.UpdatingTime[2] = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	return PersistedState{
		ProtocolVersion: SnapshotProtocolVersion,
		WrittenAt:       time.Date(2026, 7, 1, 12, 30, 0, 0, time.UTC),
		Federation: FederationRecord{
			Name: "fed1",
			Peers: []PeerSpec{
				{ID: 1, Name: "east", Addr: "east:6820", State: StateActive},
				{ID: 2, Name: "west", Addr: "west:6820", State: StateActive, Flags: FlagDrain, Features: []string{"gpu", "highmem"}},
			},
		},
		Jobs: []FedJobInfo{j1, {JobID: NewFedJobID(2, 9), SiblingsActive: Bit(1)}},
	}
}

// TestSnapshotRoundTrip is the round-trip property: encode(decode(s)) == s
// for every persisted field.
func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleState()
	if err := WriteSnapshot(dir, want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if got.ProtocolVersion != want.ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", got.ProtocolVersion, want.ProtocolVersion)
	}
	if !got.WrittenAt.Equal(want.WrittenAt) {
		t.Errorf("WrittenAt = %v, want %v", got.WrittenAt, want.WrittenAt)
	}
	if got.Federation.Name != want.Federation.Name || len(got.Federation.Peers) != len(want.Federation.Peers) {
		t.Fatalf("federation = %+v, want %+v", got.Federation, want.Federation)
	}
	for i, p := range got.Federation.Peers {
		w := want.Federation.Peers[i]
		if p.ID != w.ID || p.Name != w.Name || p.Addr != w.Addr || p.State != w.State || p.Flags != w.Flags || len(p.Features) != len(w.Features) {
			t.Errorf("peer %d = %+v, want %+v", i, p, w)
		}
	}
	if len(got.Jobs) != len(want.Jobs) {
		t.Fatalf("job count = %d, want %d", len(got.Jobs), len(want.Jobs))
	}
	for i, j := range got.Jobs {
		w := want.Jobs[i]
		if j.JobID != w.JobID || j.ClusterLock != w.ClusterLock || j.SiblingsActive != w.SiblingsActive || j.SiblingsViable != w.SiblingsViable {
			t.Errorf("job %d = %+v, want %+v", i, j, w)
		}
		if j.UpdatingSibs != w.UpdatingSibs {
			t.Errorf("job %d UpdatingSibs mismatch", i)
		}
		for k := range j.UpdatingTime {
			if !j.UpdatingTime[k].Equal(w.UpdatingTime[k]) {
				t.Errorf("job %d UpdatingTime[%d] = %v, want %v", i, k, j.UpdatingTime[k], w.UpdatingTime[k])
			}
		}
	}
}

// TestSnapshotEmptyJobTable: a nil table writes the NO_VAL32 sentinel and
// reads back as no table at all.
func TestSnapshotEmptyJobTable(t *testing.T) {
	dir := t.TempDir()
	st := sampleState()
	st.Jobs = nil
	if err := WriteSnapshot(dir, st); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Jobs != nil {
		t.Errorf("Jobs = %v, want nil", got.Jobs)
	}
}

// TestSnapshotAtomicReplace: a second write leaves the canonical name
// pointing at the new contents, the previous snapshot preserved under
// .old, and no .new residue.
func TestSnapshotAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	first := sampleState()
	if err := WriteSnapshot(dir, first); err != nil {
		t.Fatalf("first WriteSnapshot: %v", err)
	}

	second := sampleState()
	second.Jobs = append(second.Jobs, FedJobInfo{JobID: NewFedJobID(1, 77)})
	if err := WriteSnapshot(dir, second); err != nil {
		t.Fatalf("second WriteSnapshot: %v", err)
	}

	got, err := ReadSnapshot(dir)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(got.Jobs) != len(second.Jobs) {
		t.Errorf("canonical snapshot has %d jobs, want the new write's %d", len(got.Jobs), len(second.Jobs))
	}

	if _, err := os.Stat(filepath.Join(dir, SnapshotFileName+".old")); err != nil {
		t.Errorf("previous snapshot must survive as .old: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, SnapshotFileName+".new")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf(".new residue left behind: %v", err)
	}
}

// TestReadSnapshotMissing surfaces os.ErrNotExist so callers can treat a
// first boot as an empty state.
func TestReadSnapshotMissing(t *testing.T) {
	_, err := ReadSnapshot(t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadSnapshot of an empty dir = %v, want ErrNotExist", err)
	}
}
