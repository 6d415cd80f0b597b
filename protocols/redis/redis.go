// Package redis is a store-and-forward channel backend over two redis lists, one per direction.
// Senders RPUSH and receivers poll with BLPOP, so neither side needs to reach the other directly.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/transport"
)

const (
	defaultPrefix = "courier"
	pollTimeout   = time.Second

	// messageTTL expires lists nobody has drained for a while.
	messageTTL = 10 * time.Minute
)

// lists is the part of redis the channel uses.
type lists interface {
	push(ctx context.Context, key string, msg []byte) error
	// pop returns nil without error when nothing arrived within timeout.
	pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	close() error
}

// Channel sends on one list and receives from the other.
type Channel struct {
	store   lists
	sendKey string
	recvKey string
	log     *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient returns the client side channel: it pushes to "<prefix>:up" and pops "<prefix>:down".
func NewClient(conf config.Configuration, log *zap.Logger) (*Channel, error) {
	return dial(conf, false, log)
}

// NewServer returns the server side channel, the mirror of NewClient.
func NewServer(conf config.Configuration, log *zap.Logger) (*Channel, error) {
	return dial(conf, true, log)
}

func dial(conf config.Configuration, server bool, log *zap.Logger) (*Channel, error) {
	addr := conf[config.KeyRedisAddr]
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              conf[config.KeyRedisPassword],
		DB:                    conf.Int(config.KeyRedisDB, 0),
		DialTimeout:           5 * time.Second,
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := conf.String(config.KeyRedisPrefix, defaultPrefix)
	return newChannel(goRedisLists{client}, prefix, server, log.Named("redis").With(zap.String("addr", addr))), nil
}

func newChannel(store lists, prefix string, server bool, log *zap.Logger) *Channel {
	up, down := prefix+":up", prefix+":down"
	c := &Channel{store: store, sendKey: up, recvKey: down, log: log, done: make(chan struct{})}
	if server {
		c.sendKey, c.recvKey = down, up
	}
	return c
}

// Send implements transport.Channel.
func (c *Channel) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	return c.store.push(ctx, c.sendKey, message)
}

// Receive implements transport.Channel. It polls until a message arrives.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-c.done:
			return nil, transport.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		msg, err := c.store.pop(ctx, c.recvKey, pollTimeout)
		if err != nil {
			select {
			case <-c.done:
				return nil, transport.ErrClosed
			default:
			}
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.store.close()
	})
	return err
}

type goRedisLists struct {
	client *redis.Client
}

func (g goRedisLists) push(ctx context.Context, key string, msg []byte) error {
	pipe := g.client.TxPipeline()
	pipe.RPush(ctx, key, msg)
	pipe.Expire(ctx, key, messageTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (g goRedisLists) pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := g.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP answers with the key and the value
	return []byte(res[1]), nil
}

func (g goRedisLists) close() error {
	return g.client.Close()
}
