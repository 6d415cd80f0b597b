package https

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/crypto"
	"github.com/awnumar/courier/protocols/web"
	"github.com/awnumar/courier/transport"
)

// pickupTimeout bounds how long a queued message waits for the client to poll.
const pickupTimeout = 30 * time.Second

var errNotCollected = errors.New("https: message not collected by a poll")

// Server implements a HTTPS tunnel server.
type Server struct {
	authToken string
	static    http.Handler
	web       *web.Server
	log       *zap.Logger

	in  *transport.Inbox
	out *outbox

	closeOnce sync.Once
}

// NewServer returns a new HTTPS server listening on bindAddr, ":443" by default.
func NewServer(conf config.Configuration, log *zap.Logger) (*Server, error) {
	log = log.Named("https")
	tlsConfig, acme, err := web.TLSConfig(conf)
	if err != nil {
		return nil, err
	}
	s := &Server{
		authToken: conf[config.KeyAuthToken],
		static:    web.Decoy(conf),
		log:       log,
		in:        transport.NewInbox(),
		out:       newOutbox(),
	}
	s.web = web.NewServer(conf.String(config.KeyBindAddr, ":443"), s.Handler(), tlsConfig, acme, log)
	return s, nil
}

// Handler returns the handler serving both the tunnel and the decoy site.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handler)
}

// authenticate request
func (s *Server) handler(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && crypto.TokenEqual(r.Header.Get(web.AuthHeader), s.authToken) {
		s.proxyHandler(w, r) // authenticated proxy handler
	} else {
		s.static.ServeHTTP(w, r) // decoy handler
	}
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method must be POST", http.StatusMethodNotAllowed)
		return
	}

	reqBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "Failed to read payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	var inbound [][]byte
	if err := json.Unmarshal(reqBytes, &inbound); err != nil {
		http.Error(w, "Failed to unmarshal payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.in.Deliver(inbound...)

	batch := s.out.take(maxBatch)
	payload, err := json.Marshal(messages(batch))
	if err != nil {
		complete(batch, err)
		http.Error(w, "Failed to marshal return payload: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(payload)
	complete(batch, err)
	if err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}

// Serve listens until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	return s.web.Serve(ctx)
}

// Send implements transport.Channel. It returns once the message has been handed to a poll.
func (s *Server) Send(ctx context.Context, message []byte) error {
	m, err := s.out.push(message)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, pickupTimeout)
	defer cancel()
	err = s.out.wait(wctx, m)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errNotCollected
	}
	return err
}

// Receive implements transport.Channel.
func (s *Server) Receive(ctx context.Context) ([]byte, error) {
	return s.in.Receive(ctx)
}

// Close implements transport.Channel.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.web.Shutdown()
		s.out.close()
		s.in.Close()
	})
	return nil
}
