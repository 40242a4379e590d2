// Package transport defines the persistent-connection contract fedmgr
// needs from the peer-to-peer transport layer. Connection management,
// framing, and retries below the RPC boundary are out of scope for fedmgr
// (spec Non-goals); this package names the collaborator surface plus one
// production (TCP/gob) and one in-memory (test) implementation.
package transport

import (
	"context"
	"time"
)

// Envelope is the wire unit this transport moves: opaque bytes. The
// federation package gob-encodes its SibMsg batches into it; kept generic
// here so transport has no import dependency on the federation package's
// types.
type Envelope = []byte

// FinishedFunc is invoked by the transport's recv server when a peer's
// inbound connection completes (closed or errored), so the owning peer
// record can null out its non-owning reference to the recv side.
type FinishedFunc func(peerName string)

// RecvHandler is called for each inbound envelope the recv server accepts
// from a peer, and returns the reply envelope to write back (used by the
// synchronous LOCK_REQUEST path) or nil for fire-and-forget sends.
type RecvHandler func(peerName string, payload Envelope) (reply Envelope, err error)

// Transport is the persistent-connection contract the manager depends on.
// It is deliberately narrower than a generic net.Conn — Open, Close,
// Send, SendRecv, the recv-server lifecycle, and a finished callback —
// because Open must be idempotent per peer and the recv side is owned
// independently of the send side.
type Transport interface {
	// Open establishes (or confirms) the outbound connection to a peer at
	// addr. Idempotent: calling it again while already connected is a
	// cheap no-op that returns success.
	Open(ctx context.Context, peerName, addr string) error

	// Close tears down only the outbound (send) side for a peer. The
	// inbound (recv) side is owned by the recv server and is not affected.
	Close(peerName string) error

	// Send delivers payload to peerName and does not wait for a reply.
	Send(ctx context.Context, peerName string, payload Envelope) error

	// SendRecv delivers payload to peerName and blocks for the
	// synchronous reply, bounded by the protocol timeout baked into ctx.
	// The agent loop sends every batched request this way, including
	// LOCK_REQUEST, which must complete before the local scheduler commits
	// to running.
	SendRecv(ctx context.Context, peerName string, payload Envelope) (Envelope, error)

	// ServeRecv starts (or is a no-op if already running) the recv server
	// that accepts inbound connections and dispatches them to handler.
	// finished is called once a given peer's inbound connection ends.
	ServeRecv(ctx context.Context, listenAddr string, handler RecvHandler, finished FinishedFunc) error

	// StopRecv shuts down the recv server.
	StopRecv() error
}

// DefaultProtocolTimeout is the per-request protocol timeout the
// federation manager uses when its configuration sets none.
const DefaultProtocolTimeout = 10 * time.Second
