package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemScheduler is an in-memory Scheduler used by tests and by
// scenario_test.go's end-to-end walkthroughs. It is not a production
// implementation; it exists to exercise the manager's contract with the
// scheduler without a real daemon.
type MemScheduler struct {
	mu     sync.Mutex
	nextID uint32
	jobs   map[uint32]*JobState

	// FailOnAllocate, keyed by local id, causes Allocate to return a Failed
	// state for the listed ids, exercising the failed-allocation path.
	FailOnAllocate map[uint32]bool
}

func NewMemScheduler() *MemScheduler {
	return &MemScheduler{jobs: make(map[uint32]*JobState)}
}

func (s *MemScheduler) NextLocalID(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *MemScheduler) Allocate(ctx context.Context, localID uint32, desc JobDesc) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := JobState{LocalID: localID, Held: desc.Priority == 0}
	if s.FailOnAllocate != nil && s.FailOnAllocate[localID] {
		st.Failed = true
	}
	s.jobs[localID] = &st
	return st, nil
}

func (s *MemScheduler) Requeue(ctx context.Context, localID uint32, clearHold bool, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[localID]
	if !ok {
		return ErrNotFound
	}
	if clearHold {
		st.Held = false
	}
	st.Completing = false
	st.Revoked = false
	return nil
}

func (s *MemScheduler) Revoke(ctx context.Context, localID uint32, isComplete bool, rc int, startTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[localID]
	if !ok {
		return ErrNotFound
	}
	if st.Revoked {
		return nil
	}
	st.Revoked = true
	if isComplete {
		st.Cancelled = true
	}
	return nil
}

func (s *MemScheduler) FindJob(ctx context.Context, localID uint32) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[localID]
	if !ok {
		return JobState{}, ErrNotFound
	}
	return *st, nil
}

func (s *MemScheduler) KillStep(ctx context.Context, localID uint32, killMsg string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[localID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemScheduler) PurgeJob(ctx context.Context, localID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, localID)
	return nil
}

func (s *MemScheduler) Update(ctx context.Context, localID uint32, desc JobDesc, submitter string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[localID]; !ok {
		return ErrNotFound
	}
	return nil
}
