package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"lukechampine.com/frand"
)

func TestInboxOrder(t *testing.T) {
	is := is.New(t)
	in := NewInbox()

	var want [][]byte
	for i := 0; i < 100; i++ {
		m := frand.Bytes(1 + frand.Intn(128))
		want = append(want, m)
		in.Deliver(m)
	}
	is.Equal(in.Len(), 100)

	for _, m := range want {
		got, err := in.Receive(context.Background())
		is.NoErr(err)
		is.Equal(got, m)
	}
	_, ok := in.TryReceive()
	is.True(!ok)
}

func TestInboxFailAfterDrain(t *testing.T) {
	is := is.New(t)
	in := NewInbox()
	boom := errors.New("boom")

	in.Deliver([]byte("last"))
	in.Fail(boom)
	in.Deliver([]byte("discarded"))

	got, err := in.Receive(context.Background())
	is.NoErr(err)
	is.Equal(string(got), "last")

	_, err = in.Receive(context.Background())
	is.Equal(err, boom)
}

func TestInboxReceiveCanceled(t *testing.T) {
	is := is.New(t)
	in := NewInbox()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := in.Receive(ctx)
	is.True(errors.Is(err, context.DeadlineExceeded))
}

func TestInboxConcurrentReceivers(t *testing.T) {
	is := is.New(t)
	in := NewInbox()

	const n = 1000
	results := make(chan []byte, n)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := in.Receive(context.Background())
				if err != nil {
					return
				}
				results <- m
			}
		}()
	}
	for i := 0; i < n; i++ {
		in.Deliver([]byte{byte(i)})
	}
	for i := 0; i < n; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	in.Close()
	wg.Wait()
	is.Equal(in.Len(), 0)
}

func TestPipe(t *testing.T) {
	is := is.New(t)
	a, b := Pipe()
	ctx := context.Background()

	msg := frand.Bytes(4096)
	is.NoErr(a.Send(ctx, msg))
	is.NoErr(b.Send(ctx, []byte("reply")))

	got, err := b.Receive(ctx)
	is.NoErr(err)
	is.Equal(got, msg)

	// the pipe copies, so the sender may reuse its buffer
	msg[0]++
	is.NoErr(a.Send(ctx, msg))
	again, err := b.Receive(ctx)
	is.NoErr(err)
	is.True(got[0] != again[0])

	got, err = a.Receive(ctx)
	is.NoErr(err)
	is.Equal(string(got), "reply")

	is.NoErr(a.Close())
	is.NoErr(a.Close())
	is.True(errors.Is(a.Send(ctx, []byte("x")), ErrClosed))
	_, err = b.Receive(ctx)
	is.True(errors.Is(err, ErrClosed))
}
