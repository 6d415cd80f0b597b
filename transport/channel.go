// Package transport defines the boundary to the shared message channel and the Adapter that
// serialises access to it.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by channels and adapters that have been closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnavailable is returned while the channel is failing every send.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrIngestRunning is returned when a second ingestion loop is started on an adapter.
	ErrIngestRunning = errors.New("ingestion loop already running")
)

// Channel is a shared, store-and-forward message channel. One message carries one command.
//
// Backends that poll either poll inside Receive or run their own exchange loop. Backends that
// get messages pushed to them, and exchange loops, deliver into an Inbox and drain it from
// Receive, so callers cannot tell the kinds apart.
type Channel interface {
	// Send hands one message to the channel.
	Send(ctx context.Context, message []byte) error

	// Receive blocks until the next inbound message is available or ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the network or polling resources held by the channel.
	Close() error
}
