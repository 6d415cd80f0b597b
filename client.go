package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/eahydra/socks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/metrics"
	"github.com/awnumar/courier/protocols/https"
	"github.com/awnumar/courier/protocols/redis"
	"github.com/awnumar/courier/protocols/tcp"
	"github.com/awnumar/courier/protocols/wss"
	"github.com/awnumar/courier/proxy"
	"github.com/awnumar/courier/router"
	"github.com/awnumar/courier/transport"
)

func client(ctx context.Context, conf config.Configuration, log *zap.Logger) error {
	ch, err := clientChannel(conf, log)
	if err != nil {
		return err
	}
	m := metrics.New()
	r := router.New(router.Client, transport.NewAdapter(ch, transportOptions(conf, m), log), routerConfig(conf, log, m))
	defer r.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error { return frontEnds(ctx, conf, r, log) })
	g.Go(func() error { return serveMetrics(ctx, conf, m, log) })
	return wait(g)
}

func clientChannel(conf config.Configuration, log *zap.Logger) (transport.Channel, error) {
	switch conf[config.KeyProtocol] {
	case "":
		return nil, errors.New("protocol must be specified in config file")
	case "tcp":
		addr := net.JoinHostPort(conf[config.KeyServerAddr], conf.String(config.KeyServerPort, fmt.Sprint(tcp.DefaultPort)))
		return tcp.NewClient(addr, conf[config.KeyAuthToken], log), nil
	case "https":
		return https.NewClient(conf, log)
	case "wss":
		return wss.NewClient(conf, log)
	case "redis":
		return redis.NewClient(conf, log)
	default:
		return nil, errors.New("unknown protocol: " + conf[config.KeyProtocol])
	}
}

// frontEnds serves the HTTP proxy and, when socksAddr is set, the SOCKS5 proxy.
func frontEnds(ctx context.Context, conf config.Configuration, r *router.Router, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proxy.NewServer(r, log).ListenAndServe(ctx, conf.String(config.KeyListenAddr, config.DefaultListenAddr))
	})
	if addr := conf[config.KeySocksAddr]; addr != "" {
		g.Go(func() error { return serveSocks(ctx, addr, r, log) })
	}
	return wait(g)
}

func serveSocks(ctx context.Context, addr string, r *router.Router, log *zap.Logger) error {
	s, err := socks.NewSocks5Server(r)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	log.Info("socks5 listening", zap.Stringer("addr", listener.Addr()))
	if err := s.Serve(listener); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
