package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/metrics"
	"github.com/awnumar/courier/policy"
	"github.com/awnumar/courier/protocols/https"
	"github.com/awnumar/courier/protocols/redis"
	"github.com/awnumar/courier/protocols/tcp"
	"github.com/awnumar/courier/protocols/wss"
	"github.com/awnumar/courier/router"
	"github.com/awnumar/courier/transport"
)

// listener is a channel backend that accepts its peer instead of dialing it.
type listener interface {
	Serve(ctx context.Context) error
}

func server(ctx context.Context, conf config.Configuration, log *zap.Logger) error {
	acl, err := policy.NewACL(conf.List(config.KeyAllow))
	if err != nil {
		return err
	}
	ch, err := serverChannel(conf, log)
	if err != nil {
		return err
	}
	m := metrics.New()
	cfg := routerConfig(conf, log, m)
	cfg.Policy = acl
	r := router.New(router.Server, transport.NewAdapter(ch, transportOptions(conf, m), log), cfg)
	defer r.Close()
	log.Info("allow policy", zap.Int("patterns", acl.Len()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, conf, m, log) })
	if l, ok := ch.(listener); ok {
		g.Go(func() error { return l.Serve(ctx) })
	}
	return wait(g)
}

func serverChannel(conf config.Configuration, log *zap.Logger) (transport.Channel, error) {
	switch conf[config.KeyProtocol] {
	case "":
		return nil, errors.New("protocol must be specified in config file")
	case "tcp":
		addr := conf.String(config.KeyBindAddr, net.JoinHostPort("", conf.String(config.KeyServerPort, fmt.Sprint(tcp.DefaultPort))))
		return tcp.Listen(addr, conf[config.KeyAuthToken], log)
	case "https":
		return https.NewServer(conf, log)
	case "wss":
		return wss.NewServer(conf, log)
	case "redis":
		return redis.NewServer(conf, log)
	default:
		return nil, errors.New("unknown protocol: " + conf[config.KeyProtocol])
	}
}

// loopback runs both sides in one process over an in-memory channel. It is meant for trying
// out a configuration locally.
func loopback(ctx context.Context, conf config.Configuration, log *zap.Logger) error {
	acl, err := policy.NewACL(conf.List(config.KeyAllow))
	if err != nil {
		return err
	}
	m := metrics.New()
	a, b := transport.Pipe()

	serverCfg := routerConfig(conf, log, m)
	serverCfg.Policy = acl
	srv := router.New(router.Server, transport.NewAdapter(b, transportOptions(conf, m), log), serverCfg)
	defer srv.Close()
	cli := router.New(router.Client, transport.NewAdapter(a, transportOptions(conf, m), log), routerConfig(conf, log, m))
	defer cli.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return cli.Run(ctx) })
	g.Go(func() error { return frontEnds(ctx, conf, cli, log) })
	g.Go(func() error { return serveMetrics(ctx, conf, m, log) })
	return wait(g)
}
