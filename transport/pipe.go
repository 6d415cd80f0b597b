package transport

import (
	"context"
	"sync"
)

// PipeEnd is one end of an in-memory channel created by Pipe.
type PipeEnd struct {
	in   *Inbox
	peer *PipeEnd

	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// Pipe returns two connected in-memory channels. Messages sent on one end are received on the
// other in order. It backs the loopback mode and the tests.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{in: NewInbox()}
	b := &PipeEnd{in: NewInbox()}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements Channel.
func (p *PipeEnd) Send(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	m := make([]byte, len(message))
	copy(m, message)
	p.peer.in.Deliver(m)
	return nil
}

// Receive implements Channel.
func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	return p.in.Receive(ctx)
}

// Close implements Channel. Both ends stop receiving once their queued messages are drained.
func (p *PipeEnd) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.in.Close()
		p.peer.in.Close()
	})
	return nil
}
