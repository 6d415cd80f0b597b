package transport

import (
	"context"
	"sync"
)

// Inbox is an unbounded FIFO of inbound messages for backends that have messages pushed to them.
// Deliver never blocks, so push callbacks cannot stall behind a slow consumer.
type Inbox struct {
	mu       sync.Mutex
	messages [][]byte
	notify   chan struct{}
	closed   bool
	err      error
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Deliver appends messages to the inbox. Messages delivered after Close are discarded.
func (in *Inbox) Deliver(messages ...[]byte) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.messages = append(in.messages, messages...)
	in.mu.Unlock()
	in.wake()
}

// Fail closes the inbox with an error that Receive returns once the queued messages are drained.
func (in *Inbox) Fail(err error) {
	in.mu.Lock()
	if !in.closed {
		in.closed = true
		in.err = err
	}
	in.mu.Unlock()
	in.wake()
}

// Close closes the inbox. Receive returns ErrClosed once the queued messages are drained.
func (in *Inbox) Close() {
	in.Fail(ErrClosed)
}

// Len returns the number of queued messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.messages)
}

// Receive returns the oldest queued message, blocking until one arrives.
func (in *Inbox) Receive(ctx context.Context) ([]byte, error) {
	for {
		in.mu.Lock()
		if len(in.messages) > 0 {
			m := in.messages[0]
			in.messages[0] = nil
			in.messages = in.messages[1:]
			more := len(in.messages) > 0
			in.mu.Unlock()
			if more {
				in.wake()
			}
			return m, nil
		}
		if in.closed {
			err := in.err
			in.mu.Unlock()
			return nil, err
		}
		in.mu.Unlock()

		select {
		case <-in.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive returns the oldest queued message without blocking.
func (in *Inbox) TryReceive() ([]byte, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.messages) == 0 {
		return nil, false
	}
	m := in.messages[0]
	in.messages[0] = nil
	in.messages = in.messages[1:]
	return m, true
}

func (in *Inbox) wake() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}
