package router

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"lukechampine.com/frand"
)

var (
	// ErrUnknownStream is returned for commands that reference a stream that is not registered.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrDuplicateID is returned when a stream id is already in use.
	ErrDuplicateID = errors.New("stream id already in use")

	// ErrDuplicateRequest is returned when a request id already has a pending or live stream.
	ErrDuplicateRequest = errors.New("request id already in use")
)

// Registry is the table of streams of one side, keyed by stream id. The table itself is guarded
// by one lock that is only held for lookups and check-and-insert; every stream carries its own
// lock for state changes, so work on different streams never contends.
type Registry struct {
	mu       sync.RWMutex
	streams  map[string]*Stream
	pending  map[string]*Stream // client: request id => stream waiting for OK
	requests map[string]*Stream // server: request id => live stream
	newID    func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		pending:  make(map[string]*Stream),
		requests: make(map[string]*Stream),
		newID:    randomID,
	}
}

func randomID() string {
	return base64.RawURLEncoding.EncodeToString(frand.Bytes(12))
}

// Allocate assigns s a fresh stream id and registers it. Server side.
// If the request that created s already owns a live stream, that stream is returned together
// with ErrDuplicateRequest and s is not registered.
func (r *Registry) Allocate(s *Stream) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.requests[s.requestID]; ok {
		return existing, ErrDuplicateRequest
	}
	id := r.newID()
	for {
		if _, taken := r.streams[id]; !taken {
			break
		}
		id = r.newID()
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	r.streams[id] = s
	r.requests[s.requestID] = s
	return s, nil
}

// AddPending registers a stream that waits for OK. Client side.
func (r *Registry) AddPending(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[s.requestID]; ok {
		return ErrDuplicateRequest
	}
	r.pending[s.requestID] = s
	return nil
}

// TakePending removes and returns the pending stream for a request.
func (r *Registry) TakePending(requestID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return s, ok
}

// Promote registers the pending stream for requestID under streamID and opens it.
func (r *Registry) Promote(requestID, streamID string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.pending[requestID]
	if !ok {
		return nil, ErrUnknownStream
	}
	if _, taken := r.streams[streamID]; taken {
		return nil, ErrDuplicateID
	}

	s.mu.Lock()
	err := s.transition(Open)
	if err == nil {
		s.id = streamID
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	delete(r.pending, requestID)
	r.streams[streamID] = s
	s.touch()
	return s, nil
}

// Lookup returns the registered stream with the given id.
func (r *Registry) Lookup(id string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// LookupRequest returns the live stream created by a request. Server side.
func (r *Registry) LookupRequest(requestID string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.requests[requestID]
	return s, ok
}

// Transition changes the state of a registered stream.
func (r *Registry) Transition(id string, to State) (State, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return 0, ErrUnknownStream
	}
	return s.Transition(to)
}

// Remove unregisters a stream. It reports whether the stream was registered.
func (r *Registry) Remove(s *Stream) bool {
	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[s.requestID]; ok && p == s {
		delete(r.pending, s.requestID)
		return true
	}
	if q, ok := r.requests[s.requestID]; ok && q == s {
		delete(r.requests, s.requestID)
	}
	if t, ok := r.streams[id]; ok && t == s {
		delete(r.streams, id)
		return true
	}
	return false
}

// Sweep removes and returns the registered streams that have been idle for longer than idle.
// Each returned stream reports its id through ID.
func (r *Registry) Sweep(idle time.Duration) []*Stream {
	cutoff := time.Now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []*Stream
	for id, s := range r.streams {
		if s.LastActivity().Before(cutoff) {
			delete(r.streams, id)
			if q, ok := r.requests[s.requestID]; ok && q == s {
				delete(r.requests, s.requestID)
			}
			expired = append(expired, s)
		}
	}
	return expired
}

// Streams returns a snapshot of the registered and pending streams.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Stream, 0, len(r.streams)+len(r.pending))
	for _, s := range r.streams {
		all = append(all, s)
	}
	for _, s := range r.pending {
		all = append(all, s)
	}
	return all
}

// Len returns the number of registered streams, not counting pending ones.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
