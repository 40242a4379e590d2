package federation

import (
	"context"
	"sync"
)

// FakeConfigStore is an in-memory ConfigStore used by tests, the same
// pattern as scheduler.MemScheduler and transport.PipeTransport. Push
// delivers a new federation record to every active Watch subscriber,
// simulating the config store's asynchronous Update notification.
type FakeConfigStore struct {
	mu   sync.Mutex
	recs map[string]FederationRecord // controllerName -> record
	subs map[string][]chan FederationRecord
}

func NewFakeConfigStore() *FakeConfigStore {
	return &FakeConfigStore{
		recs: make(map[string]FederationRecord),
		subs: make(map[string][]chan FederationRecord),
	}
}

func (f *FakeConfigStore) GetFederations(ctx context.Context, controllerName string) (FederationRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[controllerName]
	return rec, ok, nil
}

func (f *FakeConfigStore) ModifyClusters(ctx context.Context, fedName string, deltas []ClusterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for controller, rec := range f.recs {
		if rec.Name != fedName {
			continue
		}
		for i := range rec.Peers {
			for _, d := range deltas {
				if rec.Peers[i].ID == d.ID {
					rec.Peers[i].State = d.State
					rec.Peers[i].Flags = d.Flags
				}
			}
		}
		f.recs[controller] = rec
	}
	return nil
}

func (f *FakeConfigStore) ModifyFederations(ctx context.Context, fedName string, delta FederationDelta) error {
	if !delta.RemoveSelf {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for controller, rec := range f.recs {
		if rec.Name == fedName {
			delete(f.recs, controller)
		}
	}
	return nil
}

func (f *FakeConfigStore) Watch(ctx context.Context, controllerName string) (<-chan FederationRecord, error) {
	ch := make(chan FederationRecord, 4)
	f.mu.Lock()
	f.subs[controllerName] = append(f.subs[controllerName], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[controllerName]
		for i, c := range subs {
			if c == ch {
				f.subs[controllerName] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Push sets controllerName's federation record and notifies every Watch
// subscriber, as if the config store observed an external change.
func (f *FakeConfigStore) Push(controllerName string, rec FederationRecord) {
	f.mu.Lock()
	f.recs[controllerName] = rec
	subs := append([]chan FederationRecord(nil), f.subs[controllerName]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- rec
	}
}
