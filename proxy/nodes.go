package proxy

import (
	"context"
	"net"

	"github.com/awnumar/courier/router"
)

// Opener is the client side of the tunnel as seen by the front-end.
type Opener interface {
	// Open asks the far side to connect to host:port and waits for the answer.
	Open(ctx context.Context, host string, port int) (*router.Stream, error)

	// Attach hands a local connection to an open stream.
	Attach(s *router.Stream, conn net.Conn)
}
