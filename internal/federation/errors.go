package federation

import "fmt"

// Errors fall into four reported classes: transport, protocol,
// policy, and state. Fatal init errors are not modeled as error values;
// they call logger.Fatal at the call site, matching the rest of the fleet.

// TransportError wraps a failure to reach a peer. The agent loop retries
// these with exponential backoff; it never surfaces them to the caller
// that originally enqueued the RPC.
type TransportError struct {
	Peer string
	Err  error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport to %s: %v", e.Peer, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError signals an unexpected message type or malformed envelope.
// The offending RPC is logged and dropped.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// PolicyCode is a stable string surfaced to callers for policy violations,
// e.g. invalid cluster name, invalid feature, pre-selected job id.
type PolicyCode string

const (
	PolicyInvalidClusterFeature PolicyCode = "INVALID_CLUSTER_FEATURE"
	PolicyInvalidCluster        PolicyCode = "INVALID_CLUSTER"
	PolicyJobIDPreset           PolicyCode = "JOB_ID_PRESET_NOT_ALLOWED"
	PolicyStaleJobID            PolicyCode = "STALE_JOB_ID"
	PolicyClusterDraining       PolicyCode = "CLUSTER_DRAINING"
)

// PolicyError is returned to the caller (not retried) when a request
// violates a federation policy constraint.
type PolicyError struct {
	Code PolicyCode
	Msg  string
}

func (e *PolicyError) Error() string { return string(e.Code) + ": " + e.Msg }

// StateCode is a stable string identifying why a state-dependent request
// was rejected; the caller retries on its next scheduling cycle.
type StateCode string

const (
	StateLockHeld       StateCode = "LOCK_HELD"
	StateUpdateInFlight StateCode = "UPDATE_IN_FLIGHT"
	StateLockMismatch   StateCode = "LOCK_MISMATCH"
	StateJobUnknown     StateCode = "JOB_UNKNOWN"
)

// StateError signals a request denied purely because of current federation
// state (lock held, update in flight, ...). Not a bug; the caller retries.
type StateError struct {
	Code StateCode
	Msg  string
}

func (e *StateError) Error() string { return string(e.Code) + ": " + e.Msg }
