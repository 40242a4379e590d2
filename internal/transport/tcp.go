package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"frameworks/fedmgr/internal/logging"
)

// TCPTransport is the production Transport: one persistent outbound
// net.Conn per peer, length-prefixed framing, plus a recv server accepting
// inbound connections from peers' own outbound sides. Send/recv are
// asymmetric per peer, — separate send and recv
// connections per peer, because each peer opens its own outbound channel.
type TCPTransport struct {
	logger logging.Logger

	mu    sync.Mutex
	sends map[string]net.Conn // peerName -> outbound conn

	recvMu       sync.Mutex
	recvListener net.Listener
	recvWG       sync.WaitGroup
}

func NewTCPTransport(logger logging.Logger) *TCPTransport {
	return &TCPTransport{
		logger: logger,
		sends:  make(map[string]net.Conn),
	}
}

func (t *TCPTransport) Open(ctx context.Context, peerName, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.sends[peerName]; ok && conn != nil {
		return nil // idempotent: already connected
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &transportDialError{peer: peerName, addr: addr, err: err}
	}
	t.sends[peerName] = conn
	return nil
}

func (t *TCPTransport) Close(peerName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.sends[peerName]
	if !ok {
		return nil
	}
	delete(t.sends, peerName)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *TCPTransport) Send(ctx context.Context, peerName string, payload Envelope) error {
	t.mu.Lock()
	conn, ok := t.sends[peerName]
	t.mu.Unlock()
	if !ok || conn == nil {
		return &transportDialError{peer: peerName, err: fmt.Errorf("not connected")}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	return writeFrame(conn, payload)
}

func (t *TCPTransport) SendRecv(ctx context.Context, peerName string, payload Envelope) (Envelope, error) {
	t.mu.Lock()
	conn, ok := t.sends[peerName]
	t.mu.Unlock()
	if !ok || conn == nil {
		return nil, &transportDialError{peer: peerName, err: fmt.Errorf("not connected")}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := writeFrame(conn, payload); err != nil {
		return nil, err
	}
	return readFrame(bufio.NewReader(conn))
}

func (t *TCPTransport) ServeRecv(ctx context.Context, listenAddr string, handler RecvHandler, finished FinishedFunc) error {
	t.recvMu.Lock()
	if t.recvListener != nil {
		t.recvMu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		t.recvMu.Unlock()
		return err
	}
	t.recvListener = ln
	t.recvMu.Unlock()

	t.recvWG.Add(1)
	go func() {
		defer t.recvWG.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			t.recvWG.Add(1)
			go t.serveConn(ctx, conn, handler, finished)
		}
	}()
	return nil
}

func (t *TCPTransport) serveConn(ctx context.Context, conn net.Conn, handler RecvHandler, finished FinishedFunc) {
	defer t.recvWG.Done()
	defer conn.Close()
	peerName := conn.RemoteAddr().String()
	defer func() {
		if finished != nil {
			finished(peerName)
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		payload, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.logger.WithError(err).WithField("peer", peerName).Debug("recv connection read failed")
			}
			return
		}
		reply, err := handler(peerName, payload)
		if err != nil {
			t.logger.WithError(err).WithField("peer", peerName).Warn("recv handler failed")
			continue
		}
		if reply != nil {
			if err := writeFrame(conn, reply); err != nil {
				return
			}
		}
	}
}

func (t *TCPTransport) StopRecv() error {
	t.recvMu.Lock()
	ln := t.recvListener
	t.recvListener = nil
	t.recvMu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	t.recvWG.Wait()
	return err
}

func writeFrame(w io.Writer, payload Envelope) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type transportDialError struct {
	peer, addr string
	err        error
}

func (e *transportDialError) Error() string {
	return fmt.Sprintf("transport: peer %s (%s): %v", e.peer, e.addr, e.err)
}
func (e *transportDialError) Unwrap() error { return e.err }
