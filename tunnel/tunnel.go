// Package tunnel carries channel messages over one stream connection, each message sealed with a
// shared key by tunnel/wrapper.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/transport"
	"github.com/awnumar/courier/tunnel/wrapper"
)

// Tunnel sends messages over a connection and delivers the messages it reads into an inbox.
type Tunnel struct {
	conn net.Conn
	w    *wrapper.Wrapper
	in   *transport.Inbox

	once   sync.Once
	done   chan struct{}
	err    error
	authed chan struct{}
}

// New starts a tunnel over conn. Messages read from conn are delivered to in, so that several
// tunnels in turn can feed one receiver.
func New(conn net.Conn, key []byte, in *transport.Inbox) (*Tunnel, error) {
	w, err := wrapper.New(conn, key, protocol.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	t := &Tunnel{conn: conn, w: w, in: in, done: make(chan struct{}), authed: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

func (t *Tunnel) readLoop() {
	first := true
	for {
		msg, err := t.w.ReadMessage()
		if err != nil {
			t.shutdown(fmt.Errorf("tunnel read: %w", err))
			return
		}
		if first {
			first = false
			close(t.authed)
		}
		// empty frames only prove the key
		if len(msg) > 0 {
			t.in.Deliver(msg)
		}
	}
}

// Hello sends an empty frame, which the peer reads as proof that this side holds the key.
func (t *Tunnel) Hello(ctx context.Context) error {
	return t.Send(ctx, nil)
}

// Authenticated is closed once the first frame from the peer has been opened with the key.
func (t *Tunnel) Authenticated() <-chan struct{} {
	return t.authed
}

// Send writes one message. The context deadline, if any, bounds the write.
func (t *Tunnel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-t.done:
		return transport.ErrClosed
	default:
	}
	deadline, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.w.WriteMessage(msg); err != nil {
		if errors.Is(err, wrapper.ErrFrameTooLarge) {
			return err
		}
		t.shutdown(fmt.Errorf("tunnel write: %w", err))
		return err
	}
	return nil
}

// Done is closed once the tunnel has failed or been closed.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the tunnel.
func (t *Tunnel) Err() error {
	<-t.done
	return t.err
}

// Close closes the connection. The inbox stays open.
func (t *Tunnel) Close() error {
	t.shutdown(transport.ErrClosed)
	return nil
}

func (t *Tunnel) shutdown(err error) {
	t.once.Do(func() {
		t.err = err
		_ = t.conn.SetDeadline(time.Now())
		t.conn.Close()
		close(t.done)
	})
}
