// Package wss is a push channel backend over a websocket. Each channel message is one binary
// websocket message; the upgrade request carries the auth token.
package wss

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/crypto"
	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/protocols/web"
	"github.com/awnumar/courier/transport"
)

const bufferSize = 4096

var errNotConnected = errors.New("wss: not connected")

// Client keeps a websocket to the server open, redialing when it drops.
type Client struct {
	url       string
	authToken string
	dialer    *websocket.Dialer
	log       *zap.Logger
	in        *transport.Inbox

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient returns a client for the websocket at proxyAddr and starts connecting.
func NewClient(conf config.Configuration, log *zap.Logger) (*Client, error) {
	url := conf[config.KeyProxyAddr]
	if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
		return nil, errors.New("remote address must start with wss:// or ws://")
	}
	trustPool, err := crypto.LoadCertPool(conf[config.KeyRootCA])
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:       url,
		authToken: conf[config.KeyAuthToken],
		dialer: &websocket.Dialer{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
				RootCAs:    trustPool,
			},
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
		},
		log:    log.Named("wss").With(zap.String("server", url)),
		in:     transport.NewInbox(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.connectionLoop()
	return c, nil
}

func (c *Client) connectionLoop() {
	defer close(c.done)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	for {
		header := http.Header{}
		header.Set(web.AuthHeader, c.authToken)
		conn, resp, err := c.dialer.DialContext(c.ctx, c.url, header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if resp != nil {
				err = fmt.Errorf("%w (status %s)", err, resp.Status)
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

		err = c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("disconnected", zap.Error(err))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(protocol.MaxMessageSize)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.in.Deliver(msg)
	}
}

// Connected reports whether the client currently holds a websocket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send implements transport.Channel.
func (c *Client) Send(ctx context.Context, message []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return writeMessage(ctx, &c.writeMu, conn, message)
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

// writeMessage writes one binary message. A failed write closes conn so its reader notices.
func writeMessage(ctx context.Context, mu *sync.Mutex, conn *websocket.Conn, message []byte) error {
	mu.Lock()
	defer mu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
		conn.Close()
		return err
	}
	return nil
}
