package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestAllocateUniqueUnderConcurrency(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()

	const n = 500
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.Allocate(newStream(Open, fmt.Sprintf("req%d", i), "example.test", 80, 8))
			is.NoErr(err)
			ids <- s.ID()
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		is.True(id != "")
		is.True(!seen[id]) // duplicate stream id
		seen[id] = true
	}
	is.Equal(len(seen), n)
	is.Equal(reg.Len(), n)
}

func TestAllocateCollisionRetries(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()
	next := []string{"a", "a", "a", "b"}
	reg.newID = func() string {
		id := next[0]
		next = next[1:]
		return id
	}

	s1, err := reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.NoErr(err)
	s2, err := reg.Allocate(newStream(Open, "r2", "h", 1, 8))
	is.NoErr(err)
	is.Equal(s1.ID(), "a")
	is.Equal(s2.ID(), "b")
}

func TestAllocateDuplicateRequest(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()

	first, err := reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.NoErr(err)
	got, err := reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.True(errors.Is(err, ErrDuplicateRequest))
	is.Equal(got, first)
	is.Equal(reg.Len(), 1)

	found, ok := reg.LookupRequest("r1")
	is.True(ok)
	is.Equal(found, first)

	is.True(reg.Remove(first))
	_, ok = reg.LookupRequest("r1")
	is.True(!ok)
	_, err = reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.NoErr(err)
}

func TestPendingPromote(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()

	s := newStream(Pending, "r1", "h", 1, 8)
	is.NoErr(reg.AddPending(s))
	is.True(errors.Is(reg.AddPending(s), ErrDuplicateRequest))
	is.Equal(reg.Len(), 0)
	is.Equal(len(reg.Streams()), 1)

	got, err := reg.Promote("r1", "s7")
	is.NoErr(err)
	is.Equal(got, s)
	is.Equal(s.ID(), "s7")
	is.Equal(s.State(), Open)

	found, ok := reg.Lookup("s7")
	is.True(ok)
	is.Equal(found, s)

	_, err = reg.Promote("r1", "s8")
	is.True(errors.Is(err, ErrUnknownStream))
}

func TestPromoteTakenID(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()

	a := newStream(Pending, "r1", "h", 1, 8)
	b := newStream(Pending, "r2", "h", 1, 8)
	is.NoErr(reg.AddPending(a))
	is.NoErr(reg.AddPending(b))

	_, err := reg.Promote("r1", "s1")
	is.NoErr(err)
	_, err = reg.Promote("r2", "s1")
	is.True(errors.Is(err, ErrDuplicateID))
	is.Equal(b.State(), Pending)
}

func TestTransitions(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()
	s, err := reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.NoErr(err)
	id := s.ID()

	state, err := reg.Transition(id, Closing)
	is.NoErr(err)
	is.Equal(state, Closing)

	// no state is revisited
	state, err = reg.Transition(id, Open)
	is.True(errors.Is(err, ErrBadTransition))
	is.Equal(state, Closing)

	state, err = reg.Transition(id, Closed)
	is.NoErr(err)
	is.Equal(state, Closed)

	_, err = reg.Transition(id, Closing)
	is.True(errors.Is(err, ErrBadTransition))

	_, err = reg.Transition("nope", Closed)
	is.True(errors.Is(err, ErrUnknownStream))
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Pending, Open, true},
		{Pending, Failed, true},
		{Pending, Closing, false},
		{Open, Closing, true},
		{Open, Closed, true},
		{Open, Pending, false},
		{Closing, Closed, true},
		{Closing, Open, false},
		{Closed, Open, false},
		{Failed, Open, false},
		{Open, Open, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			is := is.New(t)
			is.Equal(canTransition(tc.from, tc.to), tc.ok)
		})
	}
}

func TestSweep(t *testing.T) {
	is := is.New(t)
	reg := NewRegistry()

	stale, err := reg.Allocate(newStream(Open, "r1", "h", 1, 8))
	is.NoErr(err)
	fresh, err := reg.Allocate(newStream(Open, "r2", "h", 1, 8))
	is.NoErr(err)
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	expired := reg.Sweep(time.Minute)
	is.Equal(len(expired), 1)
	is.Equal(expired[0].ID(), stale.ID())

	_, ok := reg.Lookup(stale.ID())
	is.True(!ok)
	_, ok = reg.LookupRequest("r1")
	is.True(!ok)
	_, ok = reg.Lookup(fresh.ID())
	is.True(ok)
	is.Equal(len(reg.Sweep(time.Minute)), 0)
}
