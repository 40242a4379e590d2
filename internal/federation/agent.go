package federation

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"
)

// initialDeferSeconds/warnOnceDeferSeconds implement the backoff schedule:
// 0 -> 2 -> 4 -> ... -> 128, then a one-shot warning at 128 before
// continuing to double without limit.
const (
	initialDeferSeconds  = 2
	warnOnceDeferSeconds = 128
	agentTickInterval    = 2 * time.Second
)

// AgentLoop drains every peer's pending-RPC queue as one batch request per
// wake, parses the batched response, retires successes, and exponentially
// backs off the rest.
type AgentLoop struct {
	m            *Manager
	protoTimeout time.Duration
	wake         chan struct{}
}

func NewAgentLoop(m *Manager, protoTimeout time.Duration) *AgentLoop {
	return &AgentLoop{m: m, protoTimeout: protoTimeout, wake: make(chan struct{}, 1)}
}

// Wake broadcasts a new-enqueue wake condition.
func (a *AgentLoop) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends rpc to peerID's send queue and wakes the loop.
func (a *AgentLoop) Enqueue(peerID ClusterID, rpc *PendingRpc) {
	if p, ok := a.m.peers.Get(peerID); ok {
		p.Enqueue(rpc)
		a.Wake()
	}
}

// Run is the long-lived worker; it exits when ctx is cancelled, logging
// every RPC still queued at every peer.
func (a *AgentLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(agentTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logAbandoned()
			return
		case <-ticker.C:
			a.sweep(ctx)
		case <-a.wake:
			a.sweep(ctx)
		}
	}
}

// sweep implements one wake: snapshot peers under a read lock,
// then operate on each peer's own queue via its own mutex.
func (a *AgentLoop) sweep(ctx context.Context) {
	nowT := now()
	for _, p := range a.m.peers.Snapshot() {
		a.sweepPeer(ctx, p, nowT)
	}
}

func (a *AgentLoop) sweepPeer(ctx context.Context, p *Peer, nowT time.Time) {
	p.mu.Lock()
	var due []*PendingRpc
	for _, rpc := range p.queue {
		if !rpc.LastTry.Add(time.Duration(rpc.DeferSeconds) * time.Second).After(nowT) {
			due = append(due, rpc)
		}
	}
	p.mu.Unlock()

	if len(due) == 0 {
		if a.m.metrics != nil {
			a.m.metrics.AgentQueueDepth.WithLabelValues(p.Spec.Name).Set(float64(p.QueueLen()))
		}
		return
	}

	batch := batchRequest{}
	for _, rpc := range due {
		batch.Msgs = append(batch.Msgs, rpc.Msg)
	}

	payload, err := encodeBatch(batch)
	if err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.protoTimeout)
	raw, err := a.m.transport.SendRecv(sendCtx, p.Spec.Name, payload)
	cancel()

	if err != nil {
		a.onBatchFailure(p, due, nowT, err)
		return
	}

	resp, err := decodeBatchResponse(raw)
	if err != nil {
		a.onBatchFailure(p, due, nowT, err)
		return
	}

	a.retireAndBackoff(p, due, resp, nowT)
}

// onBatchFailure leaves the whole retry window on the queue with its
// backoff advanced, so an unreachable peer is re-contacted on the 2 -> 4
// -> ... doubling schedule rather than every sweep, and logs once per
// comm-fail window. A failure of the batch fails every RPC in it.
func (a *AgentLoop) onBatchFailure(p *Peer, due []*PendingRpc, nowT time.Time, err error) {
	p.mu.Lock()
	for _, rpc := range due {
		a.advanceBackoff(rpc, nowT, p.Spec.Name)
	}
	p.mu.Unlock()

	if p.shouldLogCommFail(nowT, a.m.peers.commFailWindow()) {
		a.m.logger.WithError(err).WithField("peer", p.Spec.Name).Warn("federation peer communication failure")
	}
	if a.m.metrics != nil {
		a.m.metrics.CommFailTotal.WithLabelValues(p.Spec.Name).Inc()
		a.m.metrics.AgentBatchesTotal.WithLabelValues(p.Spec.Name, "transport_error").Inc()
	}
}

// retireAndBackoff deletes successful RPCs and advances the backoff on the
// rest.
func (a *AgentLoop) retireAndBackoff(p *Peer, due []*PendingRpc, resp batchResponse, nowT time.Time) {
	success := make(map[*PendingRpc]bool, len(due))
	for i, rpc := range due {
		if i < len(resp.RCs) && resp.RCs[i] == 0 {
			success[rpc] = true
		}
	}

	p.mu.Lock()
	kept := p.queue[:0]
	for _, rpc := range p.queue {
		if success[rpc] {
			continue // retired
		}
		if isDue(rpc, due) {
			a.advanceBackoff(rpc, nowT, p.Spec.Name)
		}
		kept = append(kept, rpc)
	}
	p.queue = kept
	p.mu.Unlock()

	if a.m.metrics != nil {
		okCount, failCount := 0, 0
		for _, ok := range success {
			if ok {
				okCount++
			} else {
				failCount++
			}
		}
		a.m.metrics.AgentBatchesTotal.WithLabelValues(p.Spec.Name, "ok").Add(float64(okCount))
		a.m.metrics.AgentBatchesTotal.WithLabelValues(p.Spec.Name, "retry").Add(float64(failCount))
		a.m.metrics.AgentQueueDepth.WithLabelValues(p.Spec.Name).Set(float64(len(kept)))
	}
}

func isDue(rpc *PendingRpc, due []*PendingRpc) bool {
	for _, d := range due {
		if d == rpc {
			return true
		}
	}
	return false
}

// advanceBackoff implements the 0 -> 2 -> 4 -> ... -> 128 -> (warn once)
// -> 256 -> 512 -> ... schedule: at 128 it logs a single "repeatedly
// failing" warning and keeps doubling afterward rather than capping, so
// the backoff keeps growing without spamming logs.
func (a *AgentLoop) advanceBackoff(rpc *PendingRpc, nowT time.Time, peerName string) {
	rpc.LastTry = nowT
	if rpc.DeferSeconds == 0 {
		rpc.DeferSeconds = initialDeferSeconds
		return
	}
	if rpc.DeferSeconds == warnOnceDeferSeconds && !rpc.warnedOnce {
		rpc.warnedOnce = true
		a.m.logger.WithFields(map[string]any{
			"peer":   peerName,
			"job_id": rpc.JobID,
		}).Warn("federation RPC repeatedly failing, backoff continuing to grow")
	}
	rpc.DeferSeconds *= 2
}

// logAbandoned logs every still-queued RPC by (peer, jobId, msgType) at
// shutdown and drops them.
func (a *AgentLoop) logAbandoned() {
	for _, p := range a.m.peers.Snapshot() {
		p.mu.Lock()
		for _, rpc := range p.queue {
			a.m.logger.WithFields(map[string]any{
				"peer":     p.Spec.Name,
				"job_id":   rpc.JobID,
				"msg_type": rpc.MsgType,
			}).Warn("dropping abandoned federation RPC at shutdown")
		}
		p.queue = nil
		p.mu.Unlock()
	}
}

func encodeBatch(b batchRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBatchResponse(raw []byte) (batchResponse, error) {
	var b batchResponse
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return batchResponse{}, &ProtocolError{Msg: "malformed batch response: " + err.Error()}
	}
	return b, nil
}
