package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errDown = errors.New("channel down")

// recordChannel records sent messages. Sends block while gate is set and fail while failures
// remain; a negative failures count fails every send.
type recordChannel struct {
	mu       sync.Mutex
	sent     []string
	failures int
	closes   int
	entered  int
	gate     chan struct{}
	in       *Inbox
	done     chan struct{}
	once     sync.Once
}

func newRecordChannel() *recordChannel {
	return &recordChannel{in: NewInbox(), done: make(chan struct{})}
}

func (c *recordChannel) Send(ctx context.Context, message []byte) error {
	c.mu.Lock()
	c.entered++
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures != 0 {
		if c.failures > 0 {
			c.failures--
		}
		return errDown
	}
	c.sent = append(c.sent, string(message))
	return nil
}

func (c *recordChannel) Receive(ctx context.Context) ([]byte, error) {
	return c.in.Receive(ctx)
}

func (c *recordChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	c.in.Close()
	return nil
}

func (c *recordChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

func (c *recordChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testAdapter(t *testing.T, ch Channel, opts Options) *Adapter {
	a := NewAdapter(ch, opts, zaptest.NewLogger(t))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapterScheduling(t *testing.T) {
	ch := newRecordChannel()
	ch.gate = make(chan struct{})
	a := testAdapter(t, ch, Options{})

	var wg sync.WaitGroup
	send := func(lane, msg string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Send(context.Background(), lane, []byte(msg)))
		}()
	}
	queue := func(lane, msg string, pending int) {
		send(lane, msg)
		require.Eventually(t, func() bool { return a.Pending() == pending }, time.Second, time.Millisecond)
	}

	// the scheduler takes "first" and blocks on the gate while the rest queue up
	send("A", "first")
	require.Eventually(t, func() bool { return ch.sends() == 1 }, time.Second, time.Millisecond)
	queue("A", "a1", 1)
	queue("A", "a2", 2)
	queue("A", "a3", 3)
	queue("B", "b1", 4)
	queue("B", "b2", 5)
	queue("", "c1", 6)

	close(ch.gate)
	wg.Wait()
	assert.Equal(t, []string{"first", "c1", "a1", "b1", "a2", "b2", "a3"}, ch.snapshot())
}

func TestAdapterRetries(t *testing.T) {
	ch := newRecordChannel()
	ch.failures = 2
	a := testAdapter(t, ch, Options{Retries: 3, RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})

	require.NoError(t, a.Send(context.Background(), "s1", []byte("hello")))
	assert.Equal(t, 3, ch.sends())
	assert.Equal(t, []string{"hello"}, ch.snapshot())
	assert.True(t, a.Available())
}

func TestAdapterSurfacesFailure(t *testing.T) {
	ch := newRecordChannel()
	ch.failures = -1
	a := testAdapter(t, ch, Options{Retries: 2, RetryMin: time.Millisecond, RetryMax: 50 * time.Millisecond, FailureThreshold: 2})

	err := a.Send(context.Background(), "s1", []byte("x"))
	assert.ErrorIs(t, err, errDown)
	assert.True(t, a.Available())

	err = a.Send(context.Background(), "s1", []byte("y"))
	assert.ErrorIs(t, err, errDown)
	assert.False(t, a.Available())
	assert.Equal(t, 4, ch.sends())

	// once RetryMax has passed a probe is allowed, and a success clears the failures
	require.Eventually(t, a.Available, time.Second, 5*time.Millisecond)
	ch.mu.Lock()
	ch.failures = 0
	ch.mu.Unlock()
	require.NoError(t, a.Send(context.Background(), "s1", []byte("z")))
	assert.True(t, a.Available())
}

func TestAdapterSendCanceled(t *testing.T) {
	ch := newRecordChannel()
	ch.gate = make(chan struct{})
	a := testAdapter(t, ch, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "s1", []byte("x")), context.DeadlineExceeded)
	close(ch.gate)
}

func TestAdapterRateLimit(t *testing.T) {
	ch := newRecordChannel()
	a := testAdapter(t, ch, Options{Rate: 50, Burst: 1})

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, a.Send(context.Background(), "s1", []byte("x")))
	}
	// five waits of 20ms after the first token
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestAdapterCloseOnce(t *testing.T) {
	ch := newRecordChannel()
	ch.gate = make(chan struct{})
	a := NewAdapter(ch, Options{}, zaptest.NewLogger(t))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- a.Send(context.Background(), "s1", []byte("x")) }()
	}
	require.Eventually(t, func() bool { return ch.sends() == 1 && a.Pending() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, ch.closes)

	for i := 0; i < 2; i++ {
		assert.Error(t, <-errs)
	}
	assert.ErrorIs(t, a.Send(context.Background(), "s1", []byte("y")), ErrClosed)
}

func TestAdapterSingleIngest(t *testing.T) {
	ch := newRecordChannel()
	a := testAdapter(t, ch, Options{})

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, func(message []byte) {
			mu.Lock()
			got = append(got, string(message))
			mu.Unlock()
		})
	}()
	require.Eventually(t, a.ingesting.Load, time.Second, time.Millisecond)

	assert.ErrorIs(t, a.Run(ctx, func([]byte) {}), ErrIngestRunning)

	ch.in.Deliver([]byte("one"), []byte("two"), []byte("three"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, got)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// flakyReceiver fails the first Receive and then reads from its inbox.
type flakyReceiver struct {
	*recordChannel
	once sync.Once
}

func (f *flakyReceiver) Receive(ctx context.Context) ([]byte, error) {
	var failed bool
	f.once.Do(func() { failed = true })
	if failed {
		return nil, errDown
	}
	return f.recordChannel.Receive(ctx)
}

func TestAdapterRunRetriesReceive(t *testing.T) {
	ch := &flakyReceiver{recordChannel: newRecordChannel()}
	a := testAdapter(t, ch, Options{RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})

	got := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, func(message []byte) { got <- string(message) })

	ch.in.Deliver([]byte("after failure"))
	select {
	case msg := <-got:
		assert.Equal(t, "after failure", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after a receive failure")
	}
}

func TestAdapterRunStopsOnClose(t *testing.T) {
	ch := newRecordChannel()
	a := NewAdapter(ch, Options{}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), func([]byte) {}) }()
	require.Eventually(t, a.ingesting.Load, time.Second, time.Millisecond)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
}
