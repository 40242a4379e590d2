package federation

import (
	"bytes"
	"encoding/gob"
	"time"

	"frameworks/fedmgr/internal/scheduler"
	"frameworks/fedmgr/internal/transport"
)

// rpcTimeout bounds how long the recv handler waits for the Job-Update
// Loop to produce a synchronous reply for one batched sub-request.
const rpcTimeout = 10 * time.Second

// HandleEnvelope is the Manager's transport.RecvHandler: it decodes a
// batched request, translates each SibMsg into a JobUpdate, waits for the
// Job-Update Loop to process it, and returns one return code per
// sub-request in order.
func (m *Manager) HandleEnvelope(peerName string, payload transport.Envelope) (transport.Envelope, error) {
	batch, err := decodeBatchRequest(payload)
	if err != nil {
		return nil, err
	}

	resp := batchResponse{RCs: make([]int, len(batch.Msgs))}
	for i, msg := range batch.Msgs {
		m.noteRecvFrom(peerName, msg.ClusterID)
		resp.RCs[i] = m.handleOne(peerName, msg)
	}

	return encodeBatchResponse(resp)
}

// noteRecvFrom records which peer a transport connection belongs to, the
// first time one of its messages identifies the sender. A connection name
// not seen before is a freshly accepted recv connection from that peer, so
// the reconnect protocol kicks in: attach the peer's recv reference
// and queue a SEND_JOB_SYNC to it.
func (m *Manager) noteRecvFrom(peerName string, id ClusterID) {
	if id == 0 || id == m.LocalID() {
		return
	}
	m.recvMu.Lock()
	prev, known := m.recvConns[peerName]
	m.recvConns[peerName] = id
	m.recvMu.Unlock()
	if known && prev == id {
		return
	}

	p, ok := m.peers.Get(id)
	if !ok {
		return
	}
	p.AttachRecv()
	m.EnqueueUpdate(JobUpdate{Kind: UpdSendJobSync, Peer: id})
}

// RecvFinished is the transport's FinishedFunc: the recv server reports a
// peer connection has ended, so the peer record's non-owning recv
// reference is cleared here rather than freed by the core.
func (m *Manager) RecvFinished(peerName string) {
	m.recvMu.Lock()
	id, ok := m.recvConns[peerName]
	delete(m.recvConns, peerName)
	m.recvMu.Unlock()
	if !ok {
		return
	}
	if p, ok := m.peers.Get(id); ok {
		p.DetachRecv()
	}
}

// handleOne dispatches a single sub-request and returns its return code.
// LOCK_REQUEST and UNLOCK_REQUEST are answered directly against JobRegistry
// (already internally serialized); everything else is handed to the
// Job-Update Loop so it is applied in the same FIFO order as locally
// originated mutations.
func (m *Manager) handleOne(peerName string, msg SibMsg) int {
	switch msg.Type {
	case MsgLockRequest:
		if err := m.jobs.Lock(msg.JobID, msg.ClusterID); err != nil {
			return -1
		}
		return 0
	case MsgUnlockRequest:
		if err := m.jobs.Unlock(msg.JobID, msg.ClusterID); err != nil {
			return -1
		}
		return 0
	}

	u := JobUpdate{
		JobID:     msg.JobID,
		Peer:      msg.ClusterID,
		RC:        msg.ReturnCode,
		StartTime: msg.StartTime,
		UID:       msg.ReqUID,
		ReplyCh:   make(chan SubmitResult, 1),
	}

	switch msg.Type {
	case MsgSubmitBatch:
		u.Kind = UpdSubmitBatch
		u.Desc, _ = decodeJobDesc(msg.Inner)
	case MsgSubmitInt:
		u.Kind = UpdSubmitInt
		u.Desc, _ = decodeJobDesc(msg.Inner)
	case MsgSubmitResp:
		u.Kind = UpdSubmitResp
	case MsgStart:
		u.Kind = UpdStart
	case MsgComplete:
		u.Kind = UpdComplete
	case MsgCancel:
		u.Kind = UpdCancel
		u.KillMsg = string(msg.Inner)
	case MsgRequeue:
		u.Kind = UpdRequeue
	case MsgUpdate:
		u.Kind = UpdUpdate
		u.Desc, _ = decodeJobDesc(msg.Inner)
	case MsgUpdateResponse:
		u.Kind = UpdUpdateResponse
	case MsgRemoveActiveSibBit:
		u.Kind = UpdRemoveActiveSibBit
	case MsgSync:
		u.Kind = UpdSync
		u.Sync, _ = decodeSyncPayload(msg.Inner)
	case MsgSendJobSync:
		u.Kind = UpdSendJobSync
	default:
		m.logger.WithField("peer", peerName).WithField("msg_type", msg.Type).Warn("rpc: unrecognized sub-request type")
		return -1
	}

	m.EnqueueUpdate(u)

	select {
	case res := <-u.ReplyCh:
		if res.Err != nil {
			return -1
		}
		return 0
	case <-time.After(rpcTimeout):
		return -1
	}
}

func decodeBatchRequest(raw []byte) (batchRequest, error) {
	var b batchRequest
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return batchRequest{}, &ProtocolError{Msg: "malformed batch request: " + err.Error()}
	}
	return b, nil
}

func encodeBatchResponse(b batchResponse) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJobDesc(desc scheduler.JobDesc) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(desc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeJobDesc(raw []byte) (scheduler.JobDesc, error) {
	var desc scheduler.JobDesc
	if len(raw) == 0 {
		return desc, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&desc); err != nil {
		return desc, &ProtocolError{Msg: "malformed job descriptor: " + err.Error()}
	}
	return desc, nil
}

func encodeSyncPayload(p SyncPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSyncPayload(raw []byte) (SyncPayload, error) {
	var p SyncPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
		return p, &ProtocolError{Msg: "malformed sync payload: " + err.Error()}
	}
	return p, nil
}
