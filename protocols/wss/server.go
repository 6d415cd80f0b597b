package wss

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/crypto"
	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/protocols/web"
	"github.com/awnumar/courier/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts the client's websocket. The latest authenticated websocket carries outbound
// messages.
type Server struct {
	authToken string
	static    http.Handler
	web       *web.Server
	log       *zap.Logger
	in        *transport.Inbox

	mu      sync.Mutex
	current *websocket.Conn
	conns   map[*websocket.Conn]struct{}
	closed  bool
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer returns a websocket server listening on bindAddr, ":443" by default.
func NewServer(conf config.Configuration, log *zap.Logger) (*Server, error) {
	log = log.Named("wss")
	tlsConfig, acme, err := web.TLSConfig(conf)
	if err != nil {
		return nil, err
	}
	s := &Server{
		authToken: conf[config.KeyAuthToken],
		static:    web.Decoy(conf),
		log:       log,
		in:        transport.NewInbox(),
		conns:     make(map[*websocket.Conn]struct{}),
	}
	s.web = web.NewServer(conf.String(config.KeyBindAddr, ":443"), s.Handler(), tlsConfig, acme, log)
	return s, nil
}

// Handler upgrades authenticated websocket requests and serves the decoy site to the rest.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handler)
}

func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if s.authToken == "" || !crypto.TokenEqual(r.Header.Get(web.AuthHeader), s.authToken) || !websocket.IsWebSocketUpgrade(r) {
		s.static.ServeHTTP(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.wg.Done()
	log := s.log.With(zap.String("client", r.RemoteAddr))
	log.Info("client connected")

	conn.SetReadLimit(protocol.MaxMessageSize)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Info("client disconnected", zap.Error(err))
			break
		}
		s.in.Deliver(msg)
	}
	s.untrack(conn)
	conn.Close()
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = conn
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	if s.current == conn {
		s.current = nil
	}
	s.mu.Unlock()
}

// Serve listens until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	return s.web.Serve(ctx)
}

// Send implements transport.Channel.
func (s *Server) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	conn, closed := s.current, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return transport.ErrClosed
	case conn == nil:
		return errNotConnected
	}
	return writeMessage(ctx, &s.writeMu, conn, message)
}

// Receive implements transport.Channel.
func (s *Server) Receive(ctx context.Context) ([]byte, error) {
	return s.in.Receive(ctx)
}

// Close implements transport.Channel. It also closes the upgraded connections, which the HTTP
// server's shutdown does not track.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.web.Shutdown()
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	s.in.Close()
	return nil
}
