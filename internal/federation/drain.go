package federation

import (
	"context"
	"sync"
	"time"
)

// drainCheckInterval is the Drain Watcher's fixed wake period.
const drainCheckInterval = 30 * time.Second

// DrainWatcher is spawned on demand, not by Manager.Start, whenever the
// membership controller observes this peer's own PeerSpec carrying the
// DRAIN or REMOVE flag. It polls for the local peer holding no
// more active job copies, then finishes the transition: REMOVE fans out a
// federation-removal request and leaves; DRAIN marks the cluster inactive
// in the config store and stops itself.
type DrainWatcher struct {
	m *Manager

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDrainWatcher(m *Manager) *DrainWatcher {
	return &DrainWatcher{m: m}
}

// Start begins the watch loop if it is not already running.
func (d *DrainWatcher) Start(parent context.Context) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.active = true
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Stop cancels the watch loop, if running, and waits for it to exit. Safe
// to call even if Start was never called or the loop already finished on
// its own.
func (d *DrainWatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (d *DrainWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.finish()
			return
		case <-ticker.C:
			if d.check(ctx) {
				d.finish()
				return
			}
		}
	}
}

func (d *DrainWatcher) finish() {
	d.mu.Lock()
	d.active = false
	d.cancel = nil
	d.mu.Unlock()
}

// check reports whether the watcher's job is done and the loop should
// exit. It never blocks on d.wg/d.mu across the cancel, since it always
// runs on the watcher's own goroutine.
func (d *DrainWatcher) check(ctx context.Context) bool {
	if d.hasLocalJobs() {
		return false
	}

	spec, ok := d.localSpec()
	if !ok {
		return false
	}

	switch {
	case spec.Removing():
		d.m.membership.Leave(ctx)
		return true
	case spec.Draining():
		delta := []ClusterDelta{{ID: d.m.localID, State: StateInactive, Flags: spec.Flags}}
		if err := d.m.store.ModifyClusters(ctx, d.m.fedName, delta); err != nil {
			d.m.logger.WithError(err).Warn("drain watcher: failed to mark local cluster inactive")
			return false
		}
		d.m.logger.Info("drain watcher: local cluster marked inactive, no active jobs remaining")
		return true
	default:
		// Flags changed back to neither DRAIN nor REMOVE before we acted.
		return true
	}
}

func (d *DrainWatcher) hasLocalJobs() bool {
	local := d.m.LocalID()
	for _, j := range d.m.jobs.All() {
		if j.Revoked {
			continue
		}
		if j.SiblingsActive&Bit(local) != 0 {
			return true
		}
	}
	return false
}

func (d *DrainWatcher) localSpec() (PeerSpec, bool) {
	p, ok := d.m.peers.Get(d.m.localID)
	if !ok {
		return PeerSpec{}, false
	}
	return p.Spec, true
}
