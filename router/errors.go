package router

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailed is returned by Open when the server answers CONNECT with FAIL.
	ErrConnectFailed = errors.New("connect failed")

	// ErrConnectTimeout is returned by Open when no answer to CONNECT arrives in time.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrQueueFull is the cause recorded for streams whose local socket falls too far behind.
	ErrQueueFull = errors.New("inbound queue full")

	// ErrIdleTimeout is the cause recorded for streams closed by the idle sweeper.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// ConnectError carries the reason the server gave for refusing a CONNECT.
type ConnectError struct {
	Host   string
	Port   int
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %s:%d: %s", ErrConnectFailed, e.Host, e.Port, e.Reason)
}

func (e *ConnectError) Unwrap() error {
	return ErrConnectFailed
}
