package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/awnumar/courier/metrics"
)

// Options tune an Adapter.
type Options struct {
	// Rate is the sustained number of messages per second handed to the channel. Zero disables pacing.
	Rate float64

	// Burst is the number of messages that may be sent back to back before pacing applies.
	Burst int

	// Retries is the number of attempts made for each message before the failure is returned.
	Retries int

	// RetryMin and RetryMax bound the exponential backoff between attempts.
	RetryMin time.Duration
	RetryMax time.Duration

	// FailureThreshold is the number of consecutive failed messages after which the channel is
	// reported unavailable.
	FailureThreshold int

	Metrics *metrics.Metrics
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Rate:             20,
		Burst:            10,
		Retries:          5,
		RetryMin:         100 * time.Millisecond,
		RetryMax:         5 * time.Second,
		FailureThreshold: 3,
	}
}

// Adapter owns a Channel. It is the only path to the channel's Send, where it schedules messages
// fairly across lanes, paces them and retries failures. It also runs the single ingestion loop.
type Adapter struct {
	ch      Channel
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	control []*job
	lanes   map[string][]*job
	ring    []string
	cursor  int
	notify  chan struct{}

	failures    atomic.Int32
	lastFailure atomic.Int64
	ingesting   atomic.Bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	stopped   chan struct{}
}

type job struct {
	ctx    context.Context
	msg    []byte
	result chan error
}

// NewAdapter wraps ch and starts the send scheduler. The adapter takes ownership of ch.
func NewAdapter(ch Channel, opts Options, log *zap.Logger) *Adapter {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 100 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = opts.RetryMin
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	a := &Adapter{
		ch:      ch,
		opts:    opts,
		log:     log.Named("transport"),
		lanes:   make(map[string][]*job),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	go a.schedule()
	return a
}

// Send queues message on lane and blocks until it has been handed to the channel or has failed.
// Messages on the same lane are sent in the order they were queued; lanes are served round robin.
// The empty lane carries control messages, which are served before any stream lane.
func (a *Adapter) Send(ctx context.Context, lane string, message []byte) error {
	j := &job{ctx: ctx, msg: message, result: make(chan error, 1)}

	a.mu.Lock()
	select {
	case <-a.done:
		a.mu.Unlock()
		return ErrClosed
	default:
	}
	if lane == "" {
		a.control = append(a.control, j)
	} else {
		if len(a.lanes[lane]) == 0 {
			a.ring = append(a.ring, lane)
		}
		a.lanes[lane] = append(a.lanes[lane], j)
	}
	a.mu.Unlock()
	a.wake()

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		// the scheduler skips jobs whose context is done
		return ctx.Err()
	}
}

// Available reports whether the channel is currently accepting messages. While it is failing,
// Available turns true again once RetryMax has passed since the last failure so that a new
// message can probe the channel.
func (a *Adapter) Available() bool {
	if int(a.failures.Load()) < a.opts.FailureThreshold {
		return true
	}
	return time.Since(time.Unix(0, a.lastFailure.Load())) > a.opts.RetryMax
}

// Pending returns the number of queued messages.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.control)
	for _, q := range a.lanes {
		n += len(q)
	}
	return n
}

// Run receives messages from the channel and passes each one to handle, in arrival order, until
// ctx is done or the channel is closed. Only one Run may be active per adapter.
func (a *Adapter) Run(ctx context.Context, handle func(message []byte)) error {
	if !a.ingesting.CompareAndSwap(false, true) {
		return ErrIngestRunning
	}
	defer a.ingesting.Store(false)

	b := &backoff.Backoff{Min: a.opts.RetryMin, Max: a.opts.RetryMax, Factor: 2, Jitter: true}
	for {
		msg, err := a.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			d := b.Duration()
			a.log.Warn("channel receive failed", zap.Error(err), zap.Duration("retry_in", d))
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			case <-a.done:
				return ErrClosed
			}
			continue
		}
		b.Reset()
		handle(msg)
	}
}

// Close fails every queued message, stops the scheduler and closes the channel. Only the first
// call has any effect.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		close(a.done)
		for _, j := range a.control {
			j.result <- ErrClosed
		}
		for _, q := range a.lanes {
			for _, j := range q {
				j.result <- ErrClosed
			}
		}
		a.control, a.lanes, a.ring = nil, map[string][]*job{}, nil
		a.mu.Unlock()

		// closing the channel first unblocks an in-flight Send
		a.closeErr = a.ch.Close()
		<-a.stopped
	})
	return a.closeErr
}

func (a *Adapter) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Adapter) schedule() {
	defer close(a.stopped)
	for {
		j := a.next()
		if j == nil {
			return
		}
		if err := j.ctx.Err(); err != nil {
			j.result <- err
			continue
		}
		if a.limiter != nil {
			if err := a.limiter.Wait(j.ctx); err != nil {
				j.result <- err
				continue
			}
		}
		j.result <- a.send(j)
	}
}

// next pops the next job, blocking until one is queued. It returns nil once the adapter is closed.
func (a *Adapter) next() *job {
	for {
		a.mu.Lock()
		select {
		case <-a.done:
			a.mu.Unlock()
			return nil
		default:
		}
		if len(a.control) > 0 {
			j := a.control[0]
			a.control = a.control[1:]
			a.mu.Unlock()
			return j
		}
		if len(a.ring) > 0 {
			i := a.cursor % len(a.ring)
			lane := a.ring[i]
			q := a.lanes[lane]
			j := q[0]
			if len(q) == 1 {
				delete(a.lanes, lane)
				a.ring = append(a.ring[:i], a.ring[i+1:]...)
				a.cursor = i
			} else {
				a.lanes[lane] = q[1:]
				a.cursor = i + 1
			}
			a.mu.Unlock()
			return j
		}
		a.mu.Unlock()

		select {
		case <-a.notify:
		case <-a.done:
			return nil
		}
	}
}

func (a *Adapter) send(j *job) error {
	b := &backoff.Backoff{Min: a.opts.RetryMin, Max: a.opts.RetryMax, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= a.opts.Retries; attempt++ {
		if err = a.ch.Send(j.ctx, j.msg); err == nil {
			a.failures.Store(0)
			return nil
		}
		if errors.Is(err, ErrClosed) || j.ctx.Err() != nil {
			break
		}
		if attempt == a.opts.Retries {
			break
		}
		d := b.Duration()
		a.log.Debug("channel send failed, retrying",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", d))
		select {
		case <-time.After(d):
		case <-j.ctx.Done():
			return j.ctx.Err()
		case <-a.done:
			return ErrClosed
		}
	}
	a.lastFailure.Store(time.Now().UnixNano())
	if n := a.failures.Add(1); int(n) == a.opts.FailureThreshold {
		a.log.Error("channel is failing every send; rejecting new connections", zap.Error(err))
	}
	a.opts.Metrics.SendFailed()
	return fmt.Errorf("send failed: %w", err)
}
