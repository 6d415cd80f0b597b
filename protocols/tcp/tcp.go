// Package tcp is a channel backend that carries messages over one long lived TCP connection,
// each message sealed with a key derived from the shared auth token.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/awnumar/courier/crypto"
	"github.com/awnumar/courier/transport"
	"github.com/awnumar/courier/tunnel"
)

// DefaultPort is the port the server listens on when none is configured.
const DefaultPort = 23579

const authTimeout = 10 * time.Second

var errNotConnected = errors.New("tcp: not connected to server")

// Client dials the server and keeps redialing while it is open.
type Client struct {
	addr string
	key  []byte
	log  *zap.Logger
	in   *transport.Inbox

	mu     sync.Mutex
	tunnel *tunnel.Tunnel

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient returns a client for the server at addr and starts connecting in the background.
func NewClient(addr, authToken string, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:   addr,
		key:    crypto.DeriveKey(authToken),
		log:    log.Named("tcp").With(zap.String("server", addr)),
		in:     transport.NewInbox(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.connectionLoop()
	return c
}

func (c *Client) connectionLoop() {
	defer close(c.done)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	var dialer net.Dialer
	for {
		t, err := c.connect(&dialer)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			d := b.Duration()
			c.log.Warn("connection failed", zap.Error(err), zap.Duration("retry", d))
			select {
			case <-time.After(d):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		b.Reset()
		c.log.Info("connected")

		select {
		case <-t.Done():
			c.log.Warn("disconnected", zap.Error(t.Err()))
		case <-c.ctx.Done():
		}
		c.mu.Lock()
		c.tunnel = nil
		c.mu.Unlock()
		t.Close()
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) connect(dialer *net.Dialer) (*tunnel.Tunnel, error) {
	ctx, cancel := context.WithTimeout(c.ctx, authTimeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	t, err := tunnel.New(conn, c.key, c.in)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := t.Hello(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	c.mu.Lock()
	c.tunnel = t
	c.mu.Unlock()
	return t, nil
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnel != nil
}

// Send implements transport.Channel. It fails while the client is reconnecting, leaving the
// retry to the caller.
func (c *Client) Send(ctx context.Context, message []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	c.mu.Lock()
	t := c.tunnel
	c.mu.Unlock()
	if t == nil {
		return errNotConnected
	}
	return t.Send(ctx, message)
}

// Receive implements transport.Channel.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	return c.in.Receive(ctx)
}

// Close implements transport.Channel.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	c.in.Close()
	return nil
}

// Server accepts client connections. The most recent connection that has proven the key
// carries the outbound messages; inbound messages from any authenticated connection are received.
type Server struct {
	l   net.Listener
	key []byte
	log *zap.Logger
	in  *transport.Inbox

	mu      sync.Mutex
	current *tunnel.Tunnel
	all     map[*tunnel.Tunnel]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Listen listens on addr and returns a server for it.
func Listen(addr, authToken string, log *zap.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(l, authToken, log), nil
}

// NewServer returns a server that accepts on l. The server takes ownership of l.
func NewServer(l net.Listener, authToken string, log *zap.Logger) *Server {
	return &Server{
		l:   l,
		key: crypto.DeriveKey(authToken),
		log: log.Named("tcp").With(zap.Stringer("addr", l.Addr())),
		in:  transport.NewInbox(),
		all: make(map[*tunnel.Tunnel]struct{}),
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("listening")
	for {
		conn, err := s.l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t, err := tunnel.New(conn, s.key, s.in)
		if err != nil {
			conn.Close()
			return err
		}
		if !s.track(t) {
			t.Close()
			return nil
		}
		go s.serveTunnel(t, conn.RemoteAddr())
	}
}

func (s *Server) track(t *tunnel.Tunnel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.all[t] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) serveTunnel(t *tunnel.Tunnel, remote net.Addr) {
	defer s.wg.Done()
	log := s.log.With(zap.Stringer("client", remote))

	select {
	case <-t.Authenticated():
	case <-t.Done():
		log.Info("connection rejected", zap.Error(t.Err()))
		s.untrack(t)
		return
	case <-time.After(authTimeout):
		log.Info("connection rejected", zap.String("reason", "no hello"))
		t.Close()
		s.untrack(t)
		return
	}

	s.mu.Lock()
	prev := s.current
	s.current = t
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	log.Info("client connected")

	<-t.Done()
	log.Info("client disconnected", zap.Error(t.Err()))
	s.untrack(t)
}

func (s *Server) untrack(t *tunnel.Tunnel) {
	s.mu.Lock()
	delete(s.all, t)
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
}

// Send implements transport.Channel.
func (s *Server) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	t, closed := s.current, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return transport.ErrClosed
	case t == nil:
		return errNotConnected
	}
	return t.Send(ctx, message)
}

// Receive implements transport.Channel.
func (s *Server) Receive(ctx context.Context) ([]byte, error) {
	return s.in.Receive(ctx)
}

// Close implements transport.Channel.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tunnels := make([]*tunnel.Tunnel, 0, len(s.all))
	for t := range s.all {
		tunnels = append(tunnels, t)
	}
	s.mu.Unlock()

	err := s.l.Close()
	for _, t := range tunnels {
		t.Close()
	}
	s.wg.Wait()
	s.in.Close()
	return err
}
