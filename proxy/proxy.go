// Package proxy implements the local HTTP proxy front-end. CONNECT requests and plain HTTP
// requests are both turned into tunnel streams to the requested target.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/router"
	"github.com/awnumar/courier/transport"
)

const headerTimeout = 30 * time.Second

// Server accepts local proxy connections.
type Server struct {
	tunnel Opener
	log    *zap.Logger

	wg sync.WaitGroup
}

// NewServer returns a front-end that opens streams through tunnel.
func NewServer(tunnel Opener, log *zap.Logger) *Server {
	return &Server{tunnel: tunnel, log: log.Named("proxy")}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done. It closes l.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	defer l.Close()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	s.log.Info("proxy listening", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.log.Info("proxy stopped")
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := s.log.With(zap.Stringer("client", conn.RemoteAddr()))

	_ = conn.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		log.Debug("bad request", zap.Error(err))
		writeStatus(conn, http.StatusBadRequest, err.Error())
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	log = log.With(zap.String("method", req.method), zap.String("target", req.target()))

	stream, err := s.tunnel.Open(ctx, req.host, req.port)
	if err != nil {
		code := statusFor(err)
		log.Info("connect failed", zap.Int("status", code), zap.Error(err))
		writeStatus(conn, code, err.Error())
		conn.Close()
		return
	}

	var head []byte
	if req.tunnel() {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
			log.Debug("client went away", zap.Error(err))
		}
	} else {
		head = req.head
	}
	log.Debug("tunnel established", zap.Stringer("stream", stream))
	s.tunnel.Attach(stream, newPrefixConn(conn, br, head))
}

// statusFor maps an Open error to the status returned to the client.
func statusFor(err error) int {
	var ce *router.ConnectError
	switch {
	case errors.Is(err, router.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &ce) && ce.Reason == protocol.ReasonTimeout:
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, transport.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeStatus(conn net.Conn, code int, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	body := msg + "\n"
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}

// prefixConn is a net.Conn whose first reads return prefix and then whatever the request reader
// had already buffered, before reading from the connection itself.
type prefixConn struct {
	net.Conn
	pending []byte
}

func newPrefixConn(conn net.Conn, br *bufio.Reader, prefix []byte) net.Conn {
	buffered, _ := br.Peek(br.Buffered())
	pending := make([]byte, 0, len(prefix)+len(buffered))
	pending = append(pending, prefix...)
	pending = append(pending, buffered...)
	if len(pending) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, pending: pending}
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *prefixConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
