// Package router multiplexes local TCP connections over a message channel.
//
// A Router is the per-process context object of one side of the tunnel. It owns the transport
// Adapter and the stream Registry, runs the single ingestion loop that dispatches inbound
// commands, and pumps bytes between local sockets and the channel.
package router

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/awnumar/courier/metrics"
	"github.com/awnumar/courier/protocol"
	"github.com/awnumar/courier/transport"
)

// Role selects which side of the tunnel a Router serves.
type Role int

const (
	// Client routers accept local connections and issue CONNECT.
	Client Role = iota + 1

	// Server routers answer CONNECT by dialing targets.
	Server
)

func (r Role) String() string {
	switch r {
	case Client:
		return "client"
	case Server:
		return "server"
	default:
		return "unknown"
	}
}

// Policy decides whether the server may connect to a target.
type Policy interface {
	Allow(host string, port int) error
}

// DialFunc opens a connection to a target.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config tunes a Router. Zero values are replaced by defaults.
type Config struct {
	// ChunkSize is the largest payload carried by one SEND or RECV.
	ChunkSize int

	// FlushInterval bounds how long read bytes wait for more bytes before being sent.
	FlushInterval time.Duration

	// ConnectTimeout bounds how long the client waits for OK.
	ConnectTimeout time.Duration

	// DialTimeout bounds how long the server waits for a target connection.
	DialTimeout time.Duration

	// IdleTimeout is how long a stream may go without activity before it is closed.
	IdleTimeout time.Duration

	// DrainTimeout is how long a closing stream may go without data moving before it is torn
	// down.
	DrainTimeout time.Duration

	// MaxReorder is the number of out of order chunks a stream holds back before it is reset. It
	// also bounds the chunks queued for a slow local socket.
	MaxReorder int

	Policy  Policy
	Dial    DialFunc
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

const (
	defaultChunkSize      = 4096
	defaultFlushInterval  = 50 * time.Millisecond
	defaultConnectTimeout = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
	defaultDrainTimeout   = 30 * time.Second
	defaultMaxReorder     = 1024
)

func (c *Config) setDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if max := protocol.MaxChunkSize(); c.ChunkSize > max {
		c.ChunkSize = max
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.MaxReorder <= 0 {
		c.MaxReorder = defaultMaxReorder
	}
	if c.Dial == nil {
		c.Dial = (&net.Dialer{}).DialContext
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Router is one side of the tunnel.
type Router struct {
	role     Role
	cfg      Config
	adapter  *transport.Adapter
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
	stats    ConnStats

	// outKind is the data command this side sends, inKind the one it receives.
	outKind protocol.Kind
	inKind  protocol.Kind

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	closed  bool
	running chan struct{}
}

// New returns a Router for role that exchanges commands through adapter. The Router takes
// ownership of the adapter and closes it in Close.
func New(role Role, adapter *transport.Adapter, cfg Config) *Router {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		role:     role,
		cfg:      cfg,
		adapter:  adapter,
		registry: NewRegistry(),
		log:      cfg.Logger.Named("router").With(zap.Stringer("role", role)),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	if role == Client {
		r.outKind, r.inKind = protocol.Send, protocol.Recv
	} else {
		r.outKind, r.inKind = protocol.Recv, protocol.Send
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Registry returns the stream registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Stats returns the connection counters.
func (r *Router) Stats() *ConnStats {
	return &r.stats
}

// Run dispatches inbound commands until ctx is done or the Router is closed. A second concurrent
// call returns transport.ErrIngestRunning.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	if r.running != nil {
		r.mu.Unlock()
		return transport.ErrIngestRunning
	}
	running := make(chan struct{})
	r.running = running
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = nil
		r.mu.Unlock()
		close(running)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	r.log.Info("router running")
	err := r.adapter.Run(ctx, r.Dispatch)
	if r.ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// Close tears down every stream, telling the peer about each, then closes the channel. Only the
// first call has any effect.
func (r *Router) Close() error {
	var err error
	r.once.Do(func() {
		streams := r.registry.Streams()
		r.log.Info("shutting down", zap.Int("streams", len(streams)))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var wg sync.WaitGroup
		for _, s := range streams {
			wg.Add(1)
			go func(s *Stream) {
				defer wg.Done()
				r.shutdownStream(ctx, s)
			}(s)
		}
		wg.Wait()
		cancel()

		r.mu.Lock()
		r.closed = true
		running := r.running
		r.mu.Unlock()

		r.cancel()
		err = r.adapter.Close()
		if running != nil {
			<-running
		}
		r.wg.Wait()
	})
	return err
}

func (r *Router) shutdownStream(ctx context.Context, s *Stream) {
	s.mu.Lock()
	id, state, localDone, peerGone := s.id, s.state, s.localDone, s.peerGone
	s.mu.Unlock()

	if state == Pending {
		if p, ok := r.registry.TakePending(s.requestID); ok {
			p.mu.Lock()
			_ = p.transition(Failed)
			p.mu.Unlock()
			p.ready <- transport.ErrClosed
		}
		return
	}
	if id != "" && !peerGone {
		if !localDone {
			_ = r.send(ctx, id, protocol.NewClose(id, 0))
		}
		_ = r.send(ctx, id, protocol.NewClosed(id))
	}
	r.teardown(s, false, "shutdown")
}

// Dispatch handles one inbound channel message. Malformed messages and commands for unknown
// streams are logged and dropped.
func (r *Router) Dispatch(message []byte) {
	cmd, err := protocol.Decode(message)
	if err != nil {
		r.log.Warn("discarding malformed message", zap.Error(err))
		r.metrics.Dropped("malformed")
		return
	}
	r.metrics.CommandReceived(cmd.Kind.String())
	if ce := r.log.Check(zap.DebugLevel, "command received"); ce != nil {
		ce.Write(zap.Stringer("kind", cmd.Kind), zap.String("key", cmd.Key()))
	}

	switch {
	case cmd.Kind == protocol.Connect && r.role == Server:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConnect(cmd)
		}()
	case cmd.Kind == protocol.OK && r.role == Client:
		r.handleOK(cmd)
	case cmd.Kind == protocol.Fail && r.role == Client:
		r.handleFail(cmd)
	case cmd.Kind == r.inKind:
		r.handleData(cmd)
	case cmd.Kind == protocol.Close:
		r.handleClose(cmd)
	case cmd.Kind == protocol.Closed:
		r.handleClosed(cmd)
	default:
		r.log.Warn("discarding command not meant for this side", zap.Stringer("kind", cmd.Kind))
		r.metrics.Dropped("unexpected")
	}
}

func (r *Router) handleData(cmd protocol.Command) {
	s, ok := r.registry.Lookup(cmd.StreamID)
	if !ok {
		r.dropUnknown(cmd)
		return
	}
	switch err := s.deliver(cmd.Seq, cmd.Payload); {
	case err == nil:
	case errors.Is(err, ErrUnknownStream):
		r.dropUnknown(cmd)
	default:
		r.log.Warn("resetting stream", zap.Stringer("stream", s), zap.Error(err))
		r.abort(s, err)
	}
}

func (r *Router) handleClose(cmd protocol.Command) {
	s, ok := r.registry.Lookup(cmd.StreamID)
	if !ok {
		r.dropUnknown(cmd)
		return
	}
	s.mu.Lock()
	if !s.remoteClosed {
		s.remoteClosed = true
		s.remoteFinal = cmd.Final
	}
	s.beginClosing(r.cfg.DrainTimeout, func() { r.drainExpired(s) })
	s.wake()
	s.mu.Unlock()
	r.log.Debug("peer closed its direction", zap.Stringer("stream", s), zap.Uint64("final", cmd.Final))
}

func (r *Router) handleClosed(cmd protocol.Command) {
	s, ok := r.registry.Lookup(cmd.StreamID)
	if !ok {
		r.dropUnknown(cmd)
		return
	}
	s.mu.Lock()
	s.peerGone = true
	s.remoteClosed = true
	s.beginClosing(r.cfg.DrainTimeout, func() { r.drainExpired(s) })
	s.wake()
	localDone, writeDone := s.localDone, s.writeDone
	s.mu.Unlock()

	// the peer will not read anything more, so stop reading from the local socket
	if !localDone {
		s.mu.Lock()
		s.localDone = true
		s.mu.Unlock()
	}
	if writeDone {
		r.teardown(s, false, "closed by peer")
	}
}

func (r *Router) dropUnknown(cmd protocol.Command) {
	r.log.Debug("discarding command for unknown stream",
		zap.Stringer("kind", cmd.Kind), zap.String("stream", cmd.StreamID), zap.Error(ErrUnknownStream))
	r.metrics.Dropped("unknown_stream")
}

// send encodes cmd and queues it on lane.
func (r *Router) send(ctx context.Context, lane string, cmd protocol.Command) error {
	msg, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := r.adapter.Send(ctx, lane, msg); err != nil {
		return err
	}
	r.metrics.CommandSent(cmd.Kind.String())
	return nil
}

// sendAsync sends cmd in the background so that the caller never waits on the channel.
func (r *Router) sendAsync(lane string, cmd protocol.Command) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DrainTimeout)
		defer cancel()
		if err := r.send(ctx, lane, cmd); err != nil && r.ctx.Err() == nil {
			r.log.Warn("failed to send command", zap.Stringer("kind", cmd.Kind), zap.String("key", cmd.Key()), zap.Error(err))
		}
	}()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	interval := r.cfg.IdleTimeout / 4
	switch {
	case interval > 30*time.Second:
		interval = 30 * time.Second
	case interval < 10*time.Millisecond:
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep closes every stream that has been idle for longer than the idle timeout and returns
// their ids. The peer is told with CLOSE and CLOSED in case its own close was lost.
func (r *Router) Sweep() []string {
	expired := r.registry.Sweep(r.cfg.IdleTimeout)
	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		id := s.ID()
		ids = append(ids, id)
		r.log.Info("closing idle stream", zap.Stringer("stream", s), zap.Error(ErrIdleTimeout))
		s.mu.Lock()
		localDone, peerGone := s.localDone, s.peerGone
		s.localDone = true
		s.mu.Unlock()
		if !peerGone {
			if !localDone {
				r.sendAsync(id, protocol.NewClose(id, 0))
			}
		}
		r.teardown(s, !peerGone, "idle")
	}
	return ids
}
