package federation

import "time"

// SibMsgType discriminates the inner payload of a SibMsg envelope so a
// single peer-to-peer channel can tunnel every scheduler RPC the manager
// needs to forward.
type SibMsgType uint16

const (
	MsgSubmitBatch SibMsgType = iota + 1
	MsgSubmitInt
	MsgSubmitResp
	MsgStart
	MsgComplete
	MsgCancel
	MsgRequeue
	MsgUpdate
	MsgUpdateResponse
	MsgRemoveActiveSibBit
	MsgSync
	MsgSendJobSync
	MsgLockRequest
	MsgLockGrant
	MsgLockDeny
	MsgUnlockRequest
	MsgUnlockAck
)

// SibMsg is the envelope wrapping every cross-peer message, carrying just
// enough routing metadata that the receiving Job-Update Loop can dispatch
// without looking anything else up.
type SibMsg struct {
	Type        SibMsgType
	JobID       FedJobID
	ClusterID   ClusterID // meaning depends on Type: lock holder, sender, etc.
	StartTime   time.Time
	ReturnCode  int
	FedSiblings uint64
	ReqUID      uint32
	RespHost    string
	Inner       []byte // opaque scheduler-RPC payload (job descriptor, kill msg, ...)
}

// PendingRpc is one outbound RPC waiting in a peer's SendQueue.
type PendingRpc struct {
	Msg          SibMsg
	JobID        FedJobID
	MsgType      SibMsgType
	LastTry      time.Time
	DeferSeconds int
	warnedOnce   bool
}

// batchRequest is the envelope the agent loop sends once per peer per wake,
// bundling every RPC whose backoff window has elapsed.
type batchRequest struct {
	Msgs []SibMsg
}

// batchResponse carries one return code per sub-request, in order.
type batchResponse struct {
	RCs []int
}

// SyncJobEntry is one row of the job list a SYNC envelope carries: the
// sender's view of a job it originated, or a job the receiver originated
// that the sender still holds a copy of.
type SyncJobEntry struct {
	JobID      FedJobID
	LockHolder ClusterID
	Completing bool
	ExitCode   int
}

// SyncPayload is the body of a SYNC message.
type SyncPayload struct {
	SenderProtocolVersion uint32
	SyncTime              time.Time
	Jobs                  []SyncJobEntry
}
