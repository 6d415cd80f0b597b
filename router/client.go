package router

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/transport"
)

func newRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Open asks the server to connect to host:port and waits for the answer. The returned stream is
// open; hand it a local connection with Attach.
func (r *Router) Open(ctx context.Context, host string, port int) (*Stream, error) {
	if r.role != Client {
		return nil, errors.New("open called on a server router")
	}
	if r.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	if !r.adapter.Available() {
		return nil, transport.ErrUnavailable
	}

	s := newStream(Pending, newRequestID(), host, port, r.cfg.MaxReorder)
	if err := r.registry.AddPending(s); err != nil {
		return nil, err
	}
	if err := r.send(ctx, "", protocol.NewConnect(s.requestID, host, port)); err != nil {
		r.registry.TakePending(s.requestID)
		return nil, fmt.Errorf("sending connect for %s:%d: %w", host, port, err)
	}

	timer := time.NewTimer(r.cfg.ConnectTimeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-s.ready:
		if err != nil {
			return nil, err
		}
		r.opened(s)
		return s, nil
	case <-timer.C:
		cause = ErrConnectTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	case <-r.ctx.Done():
		cause = transport.ErrClosed
	}

	if _, ok := r.registry.TakePending(s.requestID); !ok {
		// the answer raced with the timeout; whoever took the stream also fills ready
		if err := <-s.ready; err == nil {
			r.opened(s)
			r.teardown(s, true, "abandoned")
		}
		return nil, fmt.Errorf("%s:%d: %w", host, port, cause)
	}
	s.mu.Lock()
	_ = s.transition(Failed)
	s.mu.Unlock()
	r.log.Info("connect abandoned", zap.Stringer("stream", s), zap.Error(cause))
	return nil, fmt.Errorf("%s:%d: %w", host, port, cause)
}

func (r *Router) opened(s *Stream) {
	r.metrics.StreamOpened()
	r.stats.New()
	r.stats.Open()
	r.log.Info("stream opened", zap.Stringer("stream", s), zap.Stringer("conns", &r.stats))
}

func (r *Router) handleOK(cmd protocol.Command) {
	s, err := r.registry.Promote(cmd.RequestID, cmd.StreamID)
	switch {
	case err == nil:
		s.ready <- nil
	case errors.Is(err, ErrUnknownStream):
		// the request timed out or was never ours; free the server side
		r.log.Info("closing stream of abandoned connect",
			zap.String("request", cmd.RequestID), zap.String("stream", cmd.StreamID))
		r.sendAsync(cmd.StreamID, protocol.NewClosed(cmd.StreamID))
	default:
		if p, ok := r.registry.TakePending(cmd.RequestID); ok {
			p.mu.Lock()
			_ = p.transition(Failed)
			p.mu.Unlock()
			p.ready <- err
		}
		r.log.Warn("rejecting OK", zap.String("request", cmd.RequestID), zap.String("stream", cmd.StreamID), zap.Error(err))
	}
}

func (r *Router) handleFail(cmd protocol.Command) {
	s, ok := r.registry.TakePending(cmd.RequestID)
	if !ok {
		r.log.Debug("discarding FAIL for unknown request", zap.String("request", cmd.RequestID))
		r.metrics.Dropped("unknown_request")
		return
	}
	s.mu.Lock()
	_ = s.transition(Failed)
	s.mu.Unlock()
	s.ready <- &ConnectError{Host: s.host, Port: s.port, Reason: cmd.Reason}
}

// Dial opens a stream to address and returns the local end of a loopback connection attached to
// it. It lets callers that speak net.Conn, such as a SOCKS server, use the tunnel.
func (r *Router) Dial(network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	s, err := r.Open(r.ctx, host, port)
	if err != nil {
		return nil, err
	}
	local, remote, err := socketPair()
	if err != nil {
		r.abort(s, err)
		return nil, err
	}
	r.Attach(s, remote)
	return local, nil
}

// socketPair returns both ends of a loopback TCP connection. Unlike net.Pipe they support
// half-close.
func socketPair() (net.Conn, net.Conn, error) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, nil, err
	}
	defer l.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept()
		ch <- accepted{conn, err}
	}()

	local, err := net.DialTCP("tcp", nil, l.Addr().(*net.TCPAddr))
	if err != nil {
		l.Close()
		if a := <-ch; a.conn != nil {
			a.conn.Close()
		}
		return nil, nil, err
	}
	a := <-ch
	if a.err != nil {
		local.Close()
		return nil, nil, a.err
	}
	return local, a.conn, nil
}
