package wire

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrPortClosed is returned by Post after either endpoint closed the pipe.
var ErrPortClosed = errors.New("port closed")

// PortMessage is one unit of traffic over a peer pipe. Requests carry Op and
// Payload; responses echo the request ID and carry Payload or Err.
type PortMessage struct {
	ID      string          `json:"id"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// Port is one endpoint of a private bidirectional pipe between two execution
// units. Ports are transferable: they are created in the foreground and handed
// to workers inside connect messages, after which the foreground never touches
// the traffic.
type Port struct {
	send chan<- PortMessage
	recv <-chan PortMessage

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// Pipe creates a connected pair of port endpoints.
func Pipe() (*Port, *Port) {
	ab := make(chan PortMessage, 64)
	ba := make(chan PortMessage, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &Port{send: ab, recv: ba, done: aDone, peerDone: bDone}
	b := &Port{send: ba, recv: ab, done: bDone, peerDone: aDone}
	return a, b
}

// Post sends a message to the peer endpoint. It blocks while the pipe buffer
// is full and fails once either endpoint is closed.
func (p *Port) Post(m PortMessage) error {
	select {
	case <-p.done:
		return ErrPortClosed
	case <-p.peerDone:
		return ErrPortClosed
	default:
	}
	select {
	case p.send <- m:
		return nil
	case <-p.done:
		return ErrPortClosed
	case <-p.peerDone:
		return ErrPortClosed
	}
}

// Receive returns the channel of inbound messages from the peer.
func (p *Port) Receive() <-chan PortMessage {
	return p.recv
}

// Done is closed when this endpoint is closed.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// PeerDone is closed when the peer endpoint is closed.
func (p *Port) PeerDone() <-chan struct{} {
	return p.peerDone
}

// Close shuts down this endpoint. Idempotent.
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
