package https

import (
	"context"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/transport"
)

const token = "dGhpcy1pcy1hLXRlc3QtdG9rZW4"

const decoyPage = "<html><body>nothing to see</body></html>"

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte(decoyPage), 0600))

	s, err := NewServer(config.Configuration{
		config.KeyAuthToken: token,
		config.KeyStaticDir: static,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewTLSServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func startClient(t *testing.T, ts *httptest.Server, authToken string) *Client {
	t.Helper()
	rootCA := filepath.Join(t.TempDir(), "root.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw})
	require.NoError(t, os.WriteFile(rootCA, pemData, 0600))

	c, err := NewClient(config.Configuration{
		config.KeyProxyAddr: ts.URL,
		config.KeyAuthToken: authToken,
		config.KeyRootCA:    rootCA,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExchange(t *testing.T) {
	s, ts := startServer(t)
	c := startClient(t, ts, token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sent [][]byte
	for i := 0; i < 10; i++ {
		msg := frand.Bytes(1 + frand.Intn(4096))
		sent = append(sent, msg)
		require.NoError(t, c.Send(ctx, msg))
	}
	for _, want := range sent {
		got, err := s.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// the server's messages ride on the next poll
	require.NoError(t, s.Send(ctx, []byte("OK r1 s1")))
	require.NoError(t, s.Send(ctx, []byte("RECV s1 0 AAE=")))
	for _, want := range []string{"OK r1 s1", "RECV s1 0 AAE="} {
		got, err := c.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestDecoyWithoutToken(t *testing.T) {
	_, ts := startServer(t)

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, decoyPage, string(body))
}

func TestWrongTokenFailsSend(t *testing.T) {
	s, ts := startServer(t)
	c := startClient(t, ts, "wrong-token")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, c.Send(ctx, []byte("CONNECT r1 example.test 443")))
	assert.Equal(t, 0, s.in.Len())
}

func TestServerSendWithdrawnOnTimeout(t *testing.T) {
	s, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Send(ctx, []byte("RECV s1 0 AAE=")), context.DeadlineExceeded)
	assert.Equal(t, 0, s.out.len())
}

func TestCloseFailsQueued(t *testing.T) {
	s, _ := startServer(t)

	errs := make(chan error, 1)
	go func() { errs <- s.Send(context.Background(), []byte("CLOSED s1")) }()
	require.Eventually(t, func() bool { return s.out.len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-errs, transport.ErrClosed)
	assert.ErrorIs(t, s.Send(context.Background(), []byte("x")), transport.ErrClosed)
	_, err := s.Receive(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestClientRequiresHTTPS(t *testing.T) {
	_, err := NewClient(config.Configuration{config.KeyProxyAddr: "http://example.test"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
