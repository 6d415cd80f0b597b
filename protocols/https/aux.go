package https

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/awnumar/courier/transport"
)

// maxBatch is the largest number of messages carried by one request or response.
const maxBatch = 64

// outbound is a message waiting to be carried by an exchange.
type outbound struct {
	msg    []byte
	result chan error
}

// outbox queues messages until an exchange picks them up.
type outbox struct {
	mu     sync.Mutex
	queue  []*outbound
	closed bool
	notify chan struct{}
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (o *outbox) push(msg []byte) (*outbound, error) {
	m := &outbound{msg: msg, result: make(chan error, 1)}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, transport.ErrClosed
	}
	o.queue = append(o.queue, m)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return m, nil
}

func (o *outbox) take(max int) []*outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := min(max, len(o.queue))
	batch := make([]*outbound, n)
	copy(batch, o.queue)
	o.queue = o.queue[n:]
	return batch
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// wait blocks until m has been carried. When ctx ends first and m has not been picked up yet,
// m is withdrawn.
func (o *outbox) wait(ctx context.Context, m *outbound) error {
	select {
	case err := <-m.result:
		return err
	case <-ctx.Done():
	}
	o.mu.Lock()
	for i, q := range o.queue {
		if q == m {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.mu.Unlock()
			return ctx.Err()
		}
	}
	o.mu.Unlock()
	return <-m.result
}

// close fails every queued message.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	queue := o.queue
	o.queue = nil
	o.mu.Unlock()
	for _, m := range queue {
		m.result <- transport.ErrClosed
	}
}

func messages(batch []*outbound) [][]byte {
	msgs := make([][]byte, len(batch))
	for i, m := range batch {
		msgs[i] = m.msg
	}
	return msgs
}

func complete(batch []*outbound, err error) {
	for _, m := range batch {
		m.result <- err
	}
}

// leveledLogger lets retryablehttp log through zap.
type leveledLogger struct {
	log *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warnw(msg, keysAndValues...)
}
