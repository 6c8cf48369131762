package protocol

import (
	"errors"
	"io"
	"sync"
)

// Conn is a reliable, ordered, bidirectional message channel for one
// session. Send may be called concurrently with Recv, but each method must
// have at most one caller at a time.
type Conn interface {
	Send(env Envelope) error
	Recv() (Envelope, error)
	Close() error
}

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("protocol: connection closed")

const pipeBuffer = 256

type pipeConn struct {
	in   <-chan Envelope
	out  chan<- Envelope
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-memory connection. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan Envelope, pipeBuffer)
	ba := make(chan Envelope, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) Send(env Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Recv() (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.done:
		return Envelope{}, io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
