package federation

import (
	"sync"
	"time"
)

// commFailLogWindow rate-limits transport error logs to once per window,
// per peer. The
// default is 600 seconds; callers may override via PeerTable.SetCommFailWindow.
const commFailLogWindow = 600 * time.Second

// Peer is one federation member's connection and queue state. Each peer
// carries an independent mutex guarding exactly this struct's mutable
// fields.
type Peer struct {
	mu sync.Mutex

	Spec PeerSpec // identity/address/state, owned by the config store

	sendOpen     bool      // send.fd >= 0 equivalent
	recvOwned    bool      // true while the transport's recv server tracks this peer
	lastCommFail time.Time // comm-fail log gate
	queue        []*PendingRpc
}

// NewPeer wraps a PeerSpec in fresh connection/queue state.
func NewPeer(spec PeerSpec) *Peer {
	return &Peer{Spec: spec}
}

// Enqueue appends an RPC to this peer's pending queue.
func (p *Peer) Enqueue(rpc *PendingRpc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, rpc)
}

// QueueLen reports the current pending-RPC count, for metrics.
func (p *Peer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// shouldLogCommFail reports whether a transport failure should be logged
// right now, advancing the gate if so.
func (p *Peer) shouldLogCommFail(now time.Time, window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if window == 0 {
		window = commFailLogWindow
	}
	if now.Sub(p.lastCommFail) < window {
		return false
	}
	p.lastCommFail = now
	return true
}

// markSendOpen / markSendClosed / isSendOpen implement Open's idempotence
// and Close's "destroy only the send side" contract.
func (p *Peer) markSendOpen()   { p.mu.Lock(); p.sendOpen = true; p.mu.Unlock() }
func (p *Peer) markSendClosed() { p.mu.Lock(); p.sendOpen = false; p.mu.Unlock() }
func (p *Peer) isSendOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendOpen
}

// AttachRecv / DetachRecv track the non-owning reference to the transport's
// recv side. DetachRecv is called from the
// transport's finished callback, never from Close.
func (p *Peer) AttachRecv() { p.mu.Lock(); p.recvOwned = true; p.mu.Unlock() }
func (p *Peer) DetachRecv() { p.mu.Lock(); p.recvOwned = false; p.mu.Unlock() }
func (p *Peer) HasRecv() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvOwned
}

// PeerTable is the federation's peer set, guarded by its own RWMutex.
// The table itself is a flat map; each Peer's own mutex still guards its
// connection/queue fields so that a read-locked table walk (the agent
// loop's snapshot-under-read-lock walk) never blocks on peer I/O.
type PeerTable struct {
	mu          sync.RWMutex
	peers       map[ClusterID]*Peer
	commFailWin time.Duration
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[ClusterID]*Peer)}
}

// SetCommFailWindow overrides the comm-fail log rate-limit window (test hook).
func (t *PeerTable) SetCommFailWindow(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commFailWin = d
}

// Put inserts or replaces a peer record under the write lock.
func (t *PeerTable) Put(id ClusterID, p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = p
}

// Delete removes a peer record under the write lock.
func (t *PeerTable) Delete(id ClusterID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Get returns the peer record for id, if any.
func (t *PeerTable) Get(id ClusterID) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// Snapshot returns a stable copy of the current *Peer records under a read
// lock. Callers
// then operate on individual *Peer values using that peer's own mutex,
// never re-taking the table lock while doing peer I/O.
func (t *PeerTable) Snapshot() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// ByID returns a stable id->Peer snapshot under a read lock.
func (t *PeerTable) ByID() map[ClusterID]*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ClusterID]*Peer, len(t.peers))
	for id, p := range t.peers {
		out[id] = p
	}
	return out
}

func (t *PeerTable) commFailWindow() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commFailWin
}

// PeerStatus is one peer's admin/status view.
type PeerStatus struct {
	Spec        PeerSpec
	SendOpen    bool
	RecvOwned   bool
	QueueLength int
}

// Status returns a point-in-time status snapshot for every known peer.
func (t *PeerTable) Status() []PeerStatus {
	out := make([]PeerStatus, 0)
	for _, p := range t.Snapshot() {
		p.mu.Lock()
		out = append(out, PeerStatus{
			Spec:        p.Spec,
			SendOpen:    p.sendOpen,
			RecvOwned:   p.recvOwned,
			QueueLength: len(p.queue),
		})
		p.mu.Unlock()
	}
	return out
}
