package federation

import (
	"sync"
	"time"
)

// JobRegistry is the in-memory table of FedJobInfo, guarded by a single
// mutex so that every mutation (submit,
// lock, start, revoke, sync-repair) is serialized against every other
// one. Mutations come from the Job-Update Loop, from LOCK_REQUEST/UNLOCK
// handling (Lock/Unlock, called outside the loop) and from the submission
// orchestrator; this mutex is what serializes them.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[FedJobID]*FedJobInfo
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[FedJobID]*FedJobInfo)}
}

// Put installs a job record, overwriting any existing one for the same id.
// Used both by fresh submits and by the "purge then re-allocate" path in
// SUBMIT_BATCH/SUBMIT_INT.
func (r *JobRegistry) Put(j *FedJobInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.JobID] = j
}

// Get returns the job record for id, if any.
func (r *JobRegistry) Get(id FedJobID) (*FedJobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Purge removes a job record entirely (non-origin revoke, or
// purge-then-reallocate on SUBMIT).
func (r *JobRegistry) Purge(id FedJobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Mutate runs fn with the registry locked and the job looked up by id,
// the one entry point every Job-Update Loop handler uses so that no two
// mutations to the same (or any) job ever interleave. Returns
// false if no job is registered under id.
func (r *JobRegistry) Mutate(id FedJobID, fn func(j *FedJobInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	fn(j)
	return true
}

// All returns every job record this registry currently tracks, for
// reconciliation sweeps and snapshotting.
func (r *JobRegistry) All() []*FedJobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FedJobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// FederationStatus is the read-only admin/status snapshot of the job
// table, served by the status API.
type FederationStatus struct {
	Jobs []FedJobInfo
}

// Snapshot returns a deep-enough copy of the table for status reporting or
// for writing to disk; mutating the returned slice does not affect the
// live table.
func (r *JobRegistry) Snapshot() FederationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FedJobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return FederationStatus{Jobs: out}
}

// LoadSnapshot replaces the table's contents with the given jobs, used on
// restart after reading fed_mgr_state. The
// caller is responsible for dropping orphans (entries whose local id the
// scheduler no longer recognizes) before calling this.
func (r *JobRegistry) LoadSnapshot(jobs []FedJobInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[FedJobID]*FedJobInfo, len(jobs))
	for i := range jobs {
		j := jobs[i]
		r.jobs[j.JobID] = &j
	}
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
