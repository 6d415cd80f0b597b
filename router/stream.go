package router

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a stream.
type State int

const (
	// Pending streams have sent CONNECT and wait for OK. Client side only.
	Pending State = iota + 1

	// Open streams pump data in both directions.
	Open

	// Closing streams have seen at least one direction close.
	Closing

	// Closed streams have been torn down and removed from the registry.
	Closed

	// Failed streams never opened.
	Failed
)

var stateNames = map[State]string{
	Pending: "PENDING",
	Open:    "OPEN",
	Closing: "CLOSING",
	Closed:  "CLOSED",
	Failed:  "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// allowed lists the states reachable from each state. No state is reachable from itself or from a
// later state, so a stream never revisits a state.
var allowed = map[State][]State{
	Pending: {Open, Failed},
	Open:    {Closing, Closed},
	Closing: {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrBadTransition is returned for a state change the state machine does not allow.
var ErrBadTransition = errors.New("invalid stream state transition")

// Stream is one logical connection multiplexed over the channel.
type Stream struct {
	requestID string
	host      string
	port      int
	created   time.Time

	lastActivity atomic.Int64

	mu    sync.Mutex
	id    string
	state State
	conn  net.Conn

	// outbound direction
	sent      uint64
	localDone bool

	// inbound direction
	reorder      *reorderBuffer
	queue        [][]byte
	maxQueue     int
	received     uint64
	remoteClosed bool
	remoteFinal  uint64
	peerGone     bool
	writeDone    bool
	notify       chan struct{}

	ready      chan error
	drainTimer *time.Timer
	done       chan struct{}
	once       sync.Once

	bytesOut atomic.Int64
	bytesIn  atomic.Int64
}

func newStream(state State, requestID, host string, port int, maxReorder int) *Stream {
	s := &Stream{
		requestID: requestID,
		host:      host,
		port:      port,
		created:   time.Now(),
		state:     state,
		reorder:   newReorderBuffer(maxReorder),
		maxQueue:  maxReorder,
		notify:    make(chan struct{}, 1),
		ready:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the stream id, or the empty string while the stream is pending.
func (s *Stream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// RequestID returns the id of the CONNECT that created the stream.
func (s *Stream) RequestID() string {
	return s.requestID
}

// Target returns the host and port the stream is connected to.
func (s *Stream) Target() (string, int) {
	return s.host, s.port
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel that is closed once the stream is torn down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// LastActivity returns the time data last moved in either direction.
func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Stream) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Stream) String() string {
	id := s.ID()
	if id == "" {
		id = "request:" + s.requestID
	}
	return fmt.Sprintf("%s(%s:%d)", id, s.host, s.port)
}

// transition moves the stream to state to. The caller must hold s.mu.
func (s *Stream) transition(to State) error {
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Transition moves the stream to state to.
func (s *Stream) Transition(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(to); err != nil {
		return s.state, err
	}
	return to, nil
}

// terminal reports whether the stream accepts no further data. The caller must hold s.mu.
func (s *Stream) terminal() bool {
	return s.state == Closed || s.state == Failed
}

// deliver hands an inbound chunk to the stream. Chunks are released to the write queue in
// sequence order; seq 0 chunks are released immediately. A write queue already holding maxQueue
// chunks refuses more with ErrQueueFull. Chunks arriving after CLOSED, or beyond the
// final count announced by CLOSE, are refused with ErrUnknownStream.
func (s *Stream) deliver(seq uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() || s.writeDone || s.peerGone {
		return ErrUnknownStream
	}
	if s.remoteClosed && s.remoteFinal > 0 && seq > s.remoteFinal {
		return ErrUnknownStream
	}
	var ready [][]byte
	if seq == 0 {
		ready = [][]byte{payload}
	} else {
		var err error
		if ready, err = s.reorder.add(seq, payload); err != nil {
			return err
		}
	}
	if len(ready) == 0 {
		return nil
	}
	if len(s.queue)+len(ready) > s.maxQueue {
		return ErrQueueFull
	}
	s.queue = append(s.queue, ready...)
	s.received += uint64(len(ready))
	s.touch()
	s.wake()
	return nil
}

// inboundComplete reports whether every chunk the peer announced has been queued. The caller must
// hold s.mu.
func (s *Stream) inboundComplete() bool {
	if !s.remoteClosed {
		return false
	}
	return s.remoteFinal == 0 || s.received >= s.remoteFinal
}

// nextWrite blocks until a chunk is ready to be written to the local socket. finished is true once
// the inbound direction has been fully written; ok is false once the stream is torn down.
func (s *Stream) nextWrite() (chunk []byte, finished, ok bool) {
	for {
		s.mu.Lock()
		if s.terminal() {
			s.mu.Unlock()
			return nil, false, false
		}
		if len(s.queue) > 0 {
			chunk = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return chunk, false, true
		}
		if s.inboundComplete() {
			s.mu.Unlock()
			return nil, true, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return nil, false, false
		}
	}
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// beginClosing moves an open stream to Closing and arms the drain timer. The caller must hold s.mu.
func (s *Stream) beginClosing(drain time.Duration, expire func()) {
	if s.state == Open {
		s.state = Closing
	}
	if s.drainTimer == nil && drain > 0 {
		s.drainTimer = time.AfterFunc(drain, expire)
	}
}
