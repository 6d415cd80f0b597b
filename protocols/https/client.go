// Package https is a polling channel backend. The client repeatedly POSTs its queued messages to
// the server, which answers with the messages queued for the client. Requests without the auth
// token are answered by a decoy static site.
package https

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"lukechampine.com/frand"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/crypto"
	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/protocols/web"
	"github.com/awnumar/courier/transport"
)

// maxIdleDelay bounds the random pause between polls that carried nothing.
const maxIdleDelay = 100 * time.Millisecond

// maxBody bounds a request or response body.
const maxBody = maxBatch * protocol.MaxMessageSize * 2

// Client implements a HTTPS tunnel client.
type Client struct {
	remote    string
	authToken string
	http      *retryablehttp.Client
	log       *zap.Logger

	in  *transport.Inbox
	out *outbox

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient returns a new HTTPS client and starts polling.
func NewClient(conf config.Configuration, log *zap.Logger) (*Client, error) {
	remote := conf[config.KeyProxyAddr]
	if !strings.HasPrefix(remote, "https://") {
		return nil, errors.New("remote address must start with https://")
	}

	trustPool, err := crypto.LoadCertPool(conf[config.KeyRootCA])
	if err != nil {
		return nil, err
	}
	return newClient(remote, conf[config.KeyAuthToken], &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    trustPool,
	}, log), nil
}

func newClient(remote, authToken string, tlsConfig *tls.Config, log *zap.Logger) *Client {
	log = log.Named("https").With(zap.String("server", remote))

	hc := retryablehttp.NewClient()
	hc.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = leveledLogger{log.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		remote:    remote,
		authToken: authToken,
		http:      hc,
		log:       log,
		in:        transport.NewInbox(),
		out:       newOutbox(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.pollLoop()
	return c
}

func (c *Client) pollLoop() {
	defer close(c.done)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	for {
		batch := c.out.take(maxBatch)
		inbound, err := c.exchange(messages(batch))
		complete(batch, err)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			d := b.Duration()
			c.log.Warn("poll failed", zap.Error(err), zap.Duration("retry", d))
			select {
			case <-time.After(d):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		b.Reset()
		c.in.Deliver(inbound...)

		if len(batch) > 0 || len(inbound) > 0 || c.out.len() > 0 {
			continue
		}
		// random between 0 and 100 milliseconds, with nanosecond resolution
		select {
		case <-time.After(time.Duration(frand.Intn(int(maxIdleDelay)))):
		case <-c.out.notify:
		case <-c.ctx.Done():
			return
		}
	}
}

// exchange posts msgs and returns the messages the server had queued.
func (c *Client) exchange(msgs [][]byte) ([][]byte, error) {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, c.remote, payload)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(c.ctx)
	req.Header.Set(web.AuthHeader, c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server answered %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	var inbound [][]byte
	if err := json.Unmarshal(body, &inbound); err != nil {
		// the decoy site answers unauthenticated requests
		return nil, fmt.Errorf("unexpected response, is the auth token right? %w", err)
	}
	return inbound, nil
}

// Send implements transport.Channel. It returns once the message has been posted.
func (c *Client) Send(ctx context.Context, message []byte) error {
	m, err := c.out.push(message)
	if err != nil {
		return err
	}
	return c.out.wait(ctx, m)
}

// Receive implements transport.Channel.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	return c.in.Receive(ctx)
}

// Close implements transport.Channel.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	c.out.close()
	c.in.Close()
	return nil
}
