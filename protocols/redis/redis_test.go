package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"

	"github.com/awnumar/courier/config"
	"github.com/awnumar/courier/transport"
)

// memLists keeps lists in memory, one inbox per key.
type memLists struct {
	mu    sync.Mutex
	lists map[string]*transport.Inbox
	fail  error
}

func newMemLists() *memLists {
	return &memLists{lists: make(map[string]*transport.Inbox)}
}

func (m *memLists) list(key string) *transport.Inbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.lists[key]
	if !ok {
		in = transport.NewInbox()
		m.lists[key] = in
	}
	return in
}

func (m *memLists) push(ctx context.Context, key string, msg []byte) error {
	m.mu.Lock()
	err := m.fail
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.list(key).Deliver(append([]byte(nil), msg...))
	return nil
}

func (m *memLists) pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	err := m.fail
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := m.list(key).Receive(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return msg, err
}

func (m *memLists) close() error { return nil }

func TestDirections(t *testing.T) {
	is := is.New(t)
	store := newMemLists()
	client := newChannel(store, "test", false, zaptest.NewLogger(t))
	server := newChannel(store, "test", true, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sent [][]byte
	for i := 0; i < 20; i++ {
		msg := frand.Bytes(1 + frand.Intn(512))
		sent = append(sent, msg)
		is.NoErr(client.Send(ctx, msg))
	}
	is.NoErr(server.Send(ctx, []byte("OK r1 s1")))

	for _, want := range sent {
		got, err := server.Receive(ctx)
		is.NoErr(err)
		is.Equal(got, want)
	}
	got, err := client.Receive(ctx)
	is.NoErr(err)
	is.Equal(string(got), "OK r1 s1")
	is.Equal(store.list("test:up").Len(), 0)
	is.Equal(store.list("test:down").Len(), 0)
}

func TestReceivePollsAcrossTimeouts(t *testing.T) {
	is := is.New(t)
	store := newMemLists()
	client := newChannel(store, "test", false, zaptest.NewLogger(t))
	server := newChannel(store, "test", true, zaptest.NewLogger(t))

	go func() {
		time.Sleep(pollTimeout + 200*time.Millisecond)
		client.Send(context.Background(), []byte("late"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := server.Receive(ctx)
	is.NoErr(err)
	is.Equal(string(got), "late")
}

func TestStoreErrorsSurface(t *testing.T) {
	is := is.New(t)
	store := newMemLists()
	store.fail = errors.New("READONLY")
	c := newChannel(store, "test", false, zaptest.NewLogger(t))

	is.Equal(c.Send(context.Background(), []byte("x")), store.fail)
	_, err := c.Receive(context.Background())
	is.Equal(err, store.fail)
}

func TestClosed(t *testing.T) {
	is := is.New(t)
	c := newChannel(newMemLists(), "test", false, zaptest.NewLogger(t))
	is.NoErr(c.Close())
	is.NoErr(c.Close())
	is.True(errors.Is(c.Send(context.Background(), []byte("x")), transport.ErrClosed))
	_, err := c.Receive(context.Background())
	is.True(errors.Is(err, transport.ErrClosed))
}

func TestDialErrors(t *testing.T) {
	is := is.New(t)
	_, err := NewClient(config.Configuration{}, zaptest.NewLogger(t))
	is.True(err != nil)

	// nothing listens on port 1
	_, err = NewServer(config.Configuration{config.KeyRedisAddr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	is.True(err != nil)
}
