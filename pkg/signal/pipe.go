package signal

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory channel ends. What one end
// sends, the other receives, in order. Used by tests and by callers
// that already multiplex their own transport.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan Message, 16)
	ba := make(chan Message, 16)
	closed := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(closed) }) }
	a := &PipeEnd{out: ab, in: ba, closed: closed, close: closeFn}
	b := &PipeEnd{out: ba, in: ab, closed: closed, close: closeFn}
	return a, b
}

// PipeEnd is one side of an in-memory signaling channel.
type PipeEnd struct {
	out    chan Message
	in     chan Message
	closed chan struct{}
	close  func()
}

// Send implements Channel.
func (p *PipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Channel. Messages already in flight are drained
// before a close is reported.
func (p *PipeEnd) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return Message{}, ErrChannelClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close tears down both ends. Pending and future operations fail with
// ErrChannelClosed.
func (p *PipeEnd) Close() error {
	p.close()
	return nil
}
