package federation

import "context"

// MembershipController owns Join/Leave and reacts to the config store's
// Watch stream, applying every federation-record change it reports.
// Every transition is serialized through Manager.updateMu so a Watch
// notification can never race a Leave in progress.
type MembershipController struct {
	m *Manager
}

func NewMembershipController(m *Manager) *MembershipController {
	return &MembershipController{m: m}
}

// Run performs the initial Join, then applies every subsequent record the
// config store reports until ctx is cancelled or the watch ends.
func (c *MembershipController) Run(ctx context.Context) {
	c.Join(ctx)

	ch, err := c.m.store.Watch(ctx, c.m.localName)
	if err != nil {
		c.m.logger.WithError(err).Error("membership: config store watch failed to start")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			c.transition(ctx, rec)
		}
	}
}

// Join fetches this controller's current federation record and applies it.
func (c *MembershipController) Join(ctx context.Context) {
	rec, ok, err := c.m.store.GetFederations(ctx, c.m.localName)
	if err != nil {
		c.m.logger.WithError(err).Error("membership: GetFederations failed")
		return
	}
	if !ok {
		c.m.logger.Info("membership: controller does not belong to a federation")
		return
	}
	c.transition(ctx, rec)
}

// Leave tells the config store to remove this controller from its
// federation, tears down every peer connection, and resets local state.
func (c *MembershipController) Leave(ctx context.Context) {
	c.m.updateMu.Lock()
	defer c.m.updateMu.Unlock()

	if err := c.m.store.ModifyFederations(ctx, c.m.fedName, FederationDelta{RemoveSelf: true}); err != nil {
		c.m.logger.WithError(err).Error("membership: leave-federation request failed")
		return
	}

	// Pull out what needs closing under the write lock, then close
	// outside it: Close is peer I/O and must never run while FedLock is
	// held.
	c.m.FedLock.Lock()
	toClose := c.m.peers.Snapshot()
	for _, p := range toClose {
		c.m.peers.Delete(p.Spec.ID)
	}
	c.m.fedName = ""
	c.m.localID = 0
	c.m.FedLock.Unlock()

	for _, p := range toClose {
		c.m.transport.Close(p.Spec.Name)
	}

	c.m.logger.Info("membership: left federation")
}

// transition applies a freshly-fetched FederationRecord: peers present in
// both the old and new record keep their *Peer (and therefore their send
// connection and pending-RPC queue) so a rejoin after a brief config-store
// blip does not drop in-flight state; only an address change forces the
// send side to reconnect.
func (c *MembershipController) transition(ctx context.Context, rec FederationRecord) {
	c.m.updateMu.Lock()
	defer c.m.updateMu.Unlock()

	byID := make(map[ClusterID]PeerSpec, len(rec.Peers))
	for _, spec := range rec.Peers {
		byID[spec.ID] = spec
	}

	// Names requiring a Close, collected while the write lock is held and
	// acted on afterward: Close is peer I/O and must never run while
	// FedLock is held.
	var toClose []string

	c.m.FedLock.Lock()
	c.m.fedName = rec.Name

	for id, spec := range byID {
		if p, ok := c.m.peers.Get(id); ok {
			p.mu.Lock()
			addrChanged := p.Spec.Addr != spec.Addr
			p.Spec = spec
			p.mu.Unlock()
			if addrChanged {
				toClose = append(toClose, spec.Name)
				p.markSendClosed()
			}
			continue
		}
		c.m.peers.Put(id, NewPeer(spec))
	}

	for id, p := range c.m.peers.ByID() {
		if _, ok := byID[id]; ok {
			continue
		}
		toClose = append(toClose, p.Spec.Name)
		c.m.peers.Delete(id)
	}

	for _, spec := range rec.Peers {
		if spec.Name == c.m.localName {
			c.m.localID = spec.ID
		}
	}
	c.m.FedLock.Unlock()

	for _, name := range toClose {
		c.m.transport.Close(name)
	}

	c.syncDrainWatcher(ctx)
}

// syncDrainWatcher starts or stops the on-demand Drain Watcher to match the
// local peer's current flags.
func (c *MembershipController) syncDrainWatcher(ctx context.Context) {
	p, ok := c.m.peers.Get(c.m.localID)
	if !ok {
		return
	}
	if p.Spec.Draining() || p.Spec.Removing() {
		c.m.drain.Start(ctx)
		return
	}
	c.m.drain.Stop()
}
