// Package transport provides the duplex message channel of the sync
// protocol: an ordered, framed, reliable, full-duplex byte pipe. The
// production implementation is a WebSocket; tests use the in-memory pair.
package transport

import (
	"context"
	"net"

	"github.com/and161185/devsync/internal/model"
)

// Conn is one end of a duplex message channel. Send and Receive operate on
// whole binary messages; ordering is preserved per direction.
type Conn interface {
	// Send transmits one binary message.
	Send(data []byte) error
	// Receive blocks until the next binary message or channel failure.
	Receive() ([]byte, error)
	// Close tears the channel down. Pending Receives fail.
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, cfg model.RemoteConfig) (Conn, error)
}

// Pair returns the two ends of an in-memory duplex channel.
func Pair() (Conn, Conn) {
	p := &pipe{
		aToB: make(chan []byte, 64),
		bToA: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	return &pipeEnd{p: p, in: p.bToA, out: p.aToB}, &pipeEnd{p: p, in: p.aToB, out: p.bToA}
}

type pipe struct {
	aToB chan []byte
	bToA chan []byte
	done chan struct{}
}

func (p *pipe) close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

type pipeEnd struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

func (e *pipeEnd) Send(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case e.out <- cp:
		return nil
	case <-e.p.done:
		return net.ErrClosed
	}
}

func (e *pipeEnd) Receive() ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.p.done:
		// drain messages sent before the close
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, net.ErrClosed
		}
	}
}

func (e *pipeEnd) Close() error {
	e.p.close()
	return nil
}
