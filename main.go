// Command courier tunnels TCP connections over a store-and-forward message channel.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/logging"
	"github.com/awnumar/courier/metrics"
	"github.com/awnumar/courier/router"
	"github.com/awnumar/courier/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.HiRed("error: %s", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Tunnel TCP connections over a message channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML configuration file")

	run := func(side func(context.Context, config.Configuration, *zap.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				return errors.New("a configuration file must be given with --config")
			}
			conf, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(conf.String(config.KeyLogLevel, "info"), conf.String(config.KeyLogFormat, "console"))
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return side(ctx, conf, log)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "client",
			Short: "Run the local proxy and send its connections through the channel",
			Args:  cobra.NoArgs,
			RunE:  run(client),
		},
		&cobra.Command{
			Use:   "server",
			Short: "Answer tunnel requests by connecting to their targets",
			Args:  cobra.NoArgs,
			RunE:  run(server),
		},
		&cobra.Command{
			Use:   "loopback",
			Short: "Run client and server in one process over an in-memory channel",
			Args:  cobra.NoArgs,
			RunE:  run(loopback),
		},
		&cobra.Command{
			Use:   "configure",
			Short: "Answer a few questions and write a configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				filename, err := config.Configure()
				if err != nil {
					return err
				}
				color.HiGreen("\nconfiguration written to %s", filename)
				return nil
			},
		},
	)
	return root
}

func routerConfig(conf config.Configuration, log *zap.Logger, m *metrics.Metrics) router.Config {
	return router.Config{
		ChunkSize:      conf.Int(config.KeyChunkSize, 0),
		FlushInterval:  conf.Duration(config.KeyFlushInterval, 0),
		ConnectTimeout: conf.Duration(config.KeyConnectTimeout, 0),
		DialTimeout:    conf.Duration(config.KeyDialTimeout, 0),
		IdleTimeout:    conf.Duration(config.KeyIdleTimeout, 0),
		DrainTimeout:   conf.Duration(config.KeyDrainTimeout, 0),
		Logger:         log,
		Metrics:        m,
	}
}

func transportOptions(conf config.Configuration, m *metrics.Metrics) transport.Options {
	opts := transport.DefaultOptions()
	opts.Rate = conf.Float(config.KeySendRate, opts.Rate)
	opts.Burst = conf.Int(config.KeySendBurst, opts.Burst)
	opts.Retries = conf.Int(config.KeySendRetries, opts.Retries)
	opts.Metrics = m
	return opts
}

// serveMetrics serves /metrics on metricsAddr until ctx is done. It does nothing when
// metricsAddr is unset.
func serveMetrics(ctx context.Context, conf config.Configuration, m *metrics.Metrics, log *zap.Logger) error {
	addr := conf[config.KeyMetricsAddr]
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	defer stop()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// wait returns the first failure of g. Cancellation stops the group and is not reported.
func wait(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
