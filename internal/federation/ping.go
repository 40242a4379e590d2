package federation

import (
	"context"
	"time"
)

// pingInterval is the fixed liveness/reconnection-drive poll period.
const pingInterval = 5 * time.Second

// PingLoop periodically (re)opens the outbound connection to every peer
// that isn't currently send-open, so a peer that was unreachable at Join
// time or dropped its connection gets retried without waiting for a job to
// need it. It never reads or writes federation or job state; it only drives
// Transport.Open.
type PingLoop struct {
	m *Manager
}

func NewPingLoop(m *Manager) *PingLoop {
	return &PingLoop{m: m}
}

func (p *PingLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *PingLoop) sweep(ctx context.Context) {
	for _, peer := range p.m.peers.Snapshot() {
		if peer.isSendOpen() {
			continue
		}
		if peer.Spec.ID == p.m.LocalID() {
			continue
		}
		p.reconnect(ctx, peer)
	}
}

// reconnect serializes Open calls across peers via openSendMu, matching the
// fan-out contract noted on Manager.openSendMu.
func (p *PingLoop) reconnect(ctx context.Context, peer *Peer) {
	p.m.openSendMu.Lock()
	defer p.m.openSendMu.Unlock()

	if peer.isSendOpen() {
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, pingInterval)
	defer cancel()

	if err := p.m.transport.Open(dialCtx, peer.Spec.Name, peer.Spec.Addr); err != nil {
		if peer.shouldLogCommFail(now(), p.m.peers.commFailWindow()) {
			p.m.logger.WithError(err).WithField("peer", peer.Spec.Name).Debug("ping: peer still unreachable")
		}
		return
	}
	peer.markSendOpen()
	p.m.agent.Wake()
}
