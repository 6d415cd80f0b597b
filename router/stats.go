package router

import (
	"fmt"
	"sync/atomic"
)

// ConnStats counts the streams of a router: how many are open now and how many were ever opened.
type ConnStats struct {
	total atomic.Int64
	open  atomic.Int64
}

// New counts a newly opened stream and returns the total.
func (c *ConnStats) New() int64 {
	return c.total.Add(1)
}

// Open counts a stream as open.
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close counts a stream as no longer open.
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// Active returns the number of open streams.
func (c *ConnStats) Active() int64 {
	return c.open.Load()
}

// Total returns the number of streams ever opened.
func (c *ConnStats) Total() int64 {
	return c.total.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.total.Load())
}
