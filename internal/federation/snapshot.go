package federation

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// This file implements fed_mgr_state: the binary on-disk snapshot of
// federation membership and the FedJobInfo table, plus the atomic
// hard-link replace protocol used to write it. It lives
// in this package (rather than a separate one) because the snapshot format
// is just a wire encoding of FederationRecord/FedJobInfo themselves, and a
// standalone codec package would either import federation (a cycle, since
// Manager needs the codec) or duplicate its types.

// SnapshotProtocolVersion is bumped whenever the on-disk layout changes.
const SnapshotProtocolVersion uint16 = 1

// snapshotNoVal32 marks "no job table present" in the job-count field,
// mirroring the sentinel the original scheduler uses across its
// save-state files.
const snapshotNoVal32 = 0xfffffffe

// SnapshotFileName is the snapshot's file name within the state-save
// directory.
const SnapshotFileName = "fed_mgr_state"

// PersistedState is the full decoded snapshot contents.
type PersistedState struct {
	ProtocolVersion uint16
	WrittenAt       time.Time
	Federation      FederationRecord
	Jobs            []FedJobInfo // nil/empty => no table (snapshotNoVal32 on disk)
}

// WriteSnapshot encodes state and atomically replaces dir/SnapshotFileName
// with it via the write(new) -> fsync -> link(reg->old) -> unlink(reg) ->
// link(new->reg) -> unlink(new) shuffle. A
// crash at any point leaves either the old or the new snapshot fully
// intact under the canonical name.
func WriteSnapshot(dir string, state PersistedState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	reg := filepath.Join(dir, SnapshotFileName)
	newPath := reg + ".new"
	oldPath := reg + ".old"

	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", newPath, err)
	}
	w := bufio.NewWriter(f)
	if err := encodeSnapshot(w, state); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}

	// link(reg -> old): best effort, reg may not exist yet on first write.
	os.Remove(oldPath)
	if _, err := os.Stat(reg); err == nil {
		if err := os.Link(reg, oldPath); err != nil {
			return fmt.Errorf("snapshot: link %s->%s: %w", reg, oldPath, err)
		}
		if err := os.Remove(reg); err != nil {
			return fmt.Errorf("snapshot: unlink %s: %w", reg, err)
		}
	}
	if err := os.Link(newPath, reg); err != nil {
		return fmt.Errorf("snapshot: link %s->%s: %w", newPath, reg, err)
	}
	if err := os.Remove(newPath); err != nil {
		return fmt.Errorf("snapshot: unlink %s: %w", newPath, err)
	}
	return nil
}

// ReadSnapshot decodes dir/SnapshotFileName. Returns the underlying
// os.ErrNotExist (wrapped) if no snapshot has ever been written.
func ReadSnapshot(dir string) (PersistedState, error) {
	f, err := os.Open(filepath.Join(dir, SnapshotFileName))
	if err != nil {
		return PersistedState{}, err
	}
	defer f.Close()
	return decodeSnapshot(bufio.NewReader(f))
}

func encodeSnapshot(w io.Writer, s PersistedState) error {
	if err := binary.Write(w, binary.BigEndian, s.ProtocolVersion); err != nil {
		return err
	}
	if err := writeTime(w, s.WrittenAt); err != nil {
		return err
	}
	if err := encodeFederation(w, s.Federation); err != nil {
		return err
	}
	if len(s.Jobs) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(snapshotNoVal32))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(s.Jobs))); err != nil {
		return err
	}
	for _, j := range s.Jobs {
		if err := encodeJob(w, j); err != nil {
			return err
		}
	}
	return nil
}

func decodeSnapshot(r io.Reader) (PersistedState, error) {
	var s PersistedState
	if err := binary.Read(r, binary.BigEndian, &s.ProtocolVersion); err != nil {
		return PersistedState{}, err
	}
	t, err := readTime(r)
	if err != nil {
		return PersistedState{}, err
	}
	s.WrittenAt = t
	fed, err := decodeFederation(r)
	if err != nil {
		return PersistedState{}, err
	}
	s.Federation = fed

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return PersistedState{}, err
	}
	if count == snapshotNoVal32 {
		return s, nil
	}
	s.Jobs = make([]FedJobInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		j, err := decodeJob(r)
		if err != nil {
			return PersistedState{}, err
		}
		s.Jobs = append(s.Jobs, j)
	}
	return s, nil
}

func encodeJob(w io.Writer, j FedJobInfo) error {
	if err := binary.Write(w, binary.BigEndian, uint32(j.ClusterLock)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(j.JobID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, j.SiblingsActive); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, j.SiblingsViable); err != nil {
		return err
	}
	for i := range j.UpdatingSibs {
		if err := binary.Write(w, binary.BigEndian, j.UpdatingSibs[i]); err != nil {
			return err
		}
	}
	for i := range j.UpdatingTime {
		if err := writeTime(w, j.UpdatingTime[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodeJob(r io.Reader) (FedJobInfo, error) {
	var j FedJobInfo
	var lock, id uint32
	if err := binary.Read(r, binary.BigEndian, &lock); err != nil {
		return j, err
	}
	if err := binary.Read(r, binary.BigEndian, &id); err != nil {
		return j, err
	}
	j.ClusterLock = ClusterID(lock)
	j.JobID = FedJobID(id)
	if err := binary.Read(r, binary.BigEndian, &j.SiblingsActive); err != nil {
		return j, err
	}
	if err := binary.Read(r, binary.BigEndian, &j.SiblingsViable); err != nil {
		return j, err
	}
	for i := range j.UpdatingSibs {
		if err := binary.Read(r, binary.BigEndian, &j.UpdatingSibs[i]); err != nil {
			return j, err
		}
	}
	for i := range j.UpdatingTime {
		t, err := readTime(r)
		if err != nil {
			return j, err
		}
		j.UpdatingTime[i] = t
	}
	return j, nil
}

// encodeFederation/decodeFederation: the federation record's own codec is
// delegated to the config store in the original design. We still need *some* wire
// format to round-trip it inside our snapshot file, so this uses a flat
// length-prefixed encoding local to this file rather than reaching into
// the config store's wire format.
func encodeFederation(w io.Writer, f FederationRecord) error {
	if err := writeString(w, f.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(f.Peers))); err != nil {
		return err
	}
	for _, p := range f.Peers {
		if err := binary.Write(w, binary.BigEndian, uint32(p.ID)); err != nil {
			return err
		}
		if err := writeString(w, p.Name); err != nil {
			return err
		}
		if err := writeString(w, p.Addr); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(p.State)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(p.Flags)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(p.Features))); err != nil {
			return err
		}
		for _, feat := range p.Features {
			if err := writeString(w, feat); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeFederation(r io.Reader) (FederationRecord, error) {
	var f FederationRecord
	name, err := readString(r)
	if err != nil {
		return f, err
	}
	f.Name = name
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return f, err
	}
	f.Peers = make([]PeerSpec, 0, n)
	for i := uint32(0); i < n; i++ {
		var p PeerSpec
		var id, state, flags, featCount uint32
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return f, err
		}
		p.ID = ClusterID(id)
		if p.Name, err = readString(r); err != nil {
			return f, err
		}
		if p.Addr, err = readString(r); err != nil {
			return f, err
		}
		if err := binary.Read(r, binary.BigEndian, &state); err != nil {
			return f, err
		}
		p.State = State(state)
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return f, err
		}
		p.Flags = Flag(flags)
		if err := binary.Read(r, binary.BigEndian, &featCount); err != nil {
			return f, err
		}
		for j := uint32(0); j < featCount; j++ {
			feat, err := readString(r)
			if err != nil {
				return f, err
			}
			p.Features = append(p.Features, feat)
		}
		f.Peers = append(f.Peers, p)
	}
	return f, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeTime(w io.Writer, t time.Time) error {
	if t.IsZero() {
		return binary.Write(w, binary.BigEndian, int64(0))
	}
	return binary.Write(w, binary.BigEndian, t.UTC().UnixNano())
}

func readTime(r io.Reader) (time.Time, error) {
	var ns int64
	if err := binary.Read(r, binary.BigEndian, &ns); err != nil {
		return time.Time{}, err
	}
	if ns == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, ns).UTC(), nil
}
