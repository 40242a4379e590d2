package transport

import (
	"context"
	"fmt"
	"sync"
)

// PipeTransport is an in-memory Transport used by tests. A set of
// PipeTransports can be wired together with Connect so that Send/SendRecv
// from one is delivered to another's registered RecvHandler, without any
// real networking. the scenario tests in scenario_test.go build a small
// federation entirely out of these.
type PipeTransport struct {
	name string

	mu       sync.Mutex
	peers    map[string]*PipeTransport // peerName -> the other side
	open     map[string]bool
	handler  RecvHandler
	finished FinishedFunc
}

func NewPipeTransport(name string) *PipeTransport {
	return &PipeTransport{
		name:  name,
		peers: make(map[string]*PipeTransport),
		open:  make(map[string]bool),
	}
}

// Connect registers the other transport under peerName so Send/SendRecv
// calls addressed to peerName are delivered to it.
func (p *PipeTransport) Connect(peerName string, other *PipeTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peerName] = other
}

func (p *PipeTransport) Open(ctx context.Context, peerName, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[peerName]; !ok {
		return &transportDialError{peer: peerName, addr: addr, err: fmt.Errorf("no pipe registered")}
	}
	p.open[peerName] = true
	return nil
}

func (p *PipeTransport) Close(peerName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, peerName)
	return nil
}

func (p *PipeTransport) isOpen(peerName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[peerName]
}

func (p *PipeTransport) Send(ctx context.Context, peerName string, payload Envelope) error {
	_, err := p.deliver(peerName, payload)
	return err
}

func (p *PipeTransport) SendRecv(ctx context.Context, peerName string, payload Envelope) (Envelope, error) {
	return p.deliver(peerName, payload)
}

func (p *PipeTransport) deliver(peerName string, payload Envelope) (Envelope, error) {
	if !p.isOpen(peerName) {
		return nil, &transportDialError{peer: peerName, err: fmt.Errorf("not open")}
	}
	p.mu.Lock()
	other := p.peers[peerName]
	p.mu.Unlock()
	if other == nil {
		return nil, &transportDialError{peer: peerName, err: fmt.Errorf("no pipe registered")}
	}
	other.mu.Lock()
	h := other.handler
	other.mu.Unlock()
	if h == nil {
		return nil, &ProtocolErrorNoHandler{peer: other.name}
	}
	return h(p.name, payload)
}

func (p *PipeTransport) ServeRecv(ctx context.Context, listenAddr string, handler RecvHandler, finished FinishedFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	p.finished = finished
	return nil
}

func (p *PipeTransport) StopRecv() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = nil
	return nil
}

// ProtocolErrorNoHandler is returned when a pipe peer has no recv handler
// registered yet (ServeRecv not called).
type ProtocolErrorNoHandler struct{ peer string }

func (e *ProtocolErrorNoHandler) Error() string {
	return fmt.Sprintf("transport: peer %s has no recv handler registered", e.peer)
}
