package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"

	"github.com/awnumar/courier/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestTuningFromConfig(t *testing.T) {
	conf := config.Configuration{
		config.KeyChunkSize:     "1024",
		config.KeyFlushInterval: "20ms",
		config.KeyIdleTimeout:   "1m",
		config.KeySendRate:      "2.5",
		config.KeySendRetries:   "7",
	}
	cfg := routerConfig(conf, zaptest.NewLogger(t), nil)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, 20*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.Zero(t, cfg.DrainTimeout)

	opts := transportOptions(conf, nil)
	assert.Equal(t, 2.5, opts.Rate)
	assert.Equal(t, 7, opts.Retries)
	assert.Equal(t, 10, opts.Burst)
}

func TestWaitReportsFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return nil })
	g.Go(func() error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	g.Go(func() error { return boom })
	assert.Equal(t, boom, wait(g))
	<-stopped
}

func TestWaitIgnoresCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, wait(g))
}

func TestUnknownProtocol(t *testing.T) {
	log := zaptest.NewLogger(t)
	_, err := clientChannel(config.Configuration{config.KeyProtocol: "smoke"}, log)
	assert.Error(t, err)
	_, err = serverChannel(config.Configuration{}, log)
	assert.Error(t, err)
}

func TestLoopback(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	proxyAddr := freeAddr(t)
	conf := config.Configuration{
		config.KeyListenAddr:    proxyAddr,
		config.KeyFlushInterval: "5ms",
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loopback(ctx, conf, zaptest.NewLogger(t)) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", proxyAddr)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %[1]s\r\n\r\n", target.Addr())
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := frand.Bytes(50000)
	go conn.Write(payload)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
