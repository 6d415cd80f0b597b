// Package protocol implements the text command protocol that is exchanged over a channel.
//
// Each channel message carries exactly one command. Fields are separated by a single space and
// the last field of SEND and RECV is the chunk payload in standard base64 (with padding), which
// keeps payloads binary-safe on channels that only carry text. Base64 inflates a chunk by a
// factor of 4/3, so a 4096 byte chunk occupies 5464 bytes on the wire.
package protocol

import "strconv"

// Kind identifies the type of a command.
type Kind int

const (
	// Connect asks the server to open a connection to a target.
	Connect Kind = iota + 1

	// OK tells the client that a connection was opened and which stream id it was given.
	OK

	// Fail tells the client that a connection could not be opened.
	Fail

	// Send carries a chunk from the client to the server.
	Send

	// Recv carries a chunk from the server to the client.
	Recv

	// Close signals that the sender will not send any more chunks for a stream.
	Close

	// Closed signals that the sender has torn a stream down completely.
	Closed
)

var kindNames = map[Kind]string{
	Connect: "CONNECT",
	OK:      "OK",
	Fail:    "FAIL",
	Send:    "SEND",
	Recv:    "RECV",
	Close:   "CLOSE",
	Closed:  "CLOSED",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(k)) + ")"
}

// Data returns true for the kinds that carry a chunk.
func (k Kind) Data() bool {
	return k == Send || k == Recv
}

// Failure reasons carried by FAIL.
const (
	ReasonDenied      = "denied"
	ReasonUnreachable = "unreachable"
	ReasonTimeout     = "timeout"
	ReasonInvalid     = "invalid"
)

// Command holds a single decoded command. Only the fields relevant to Kind are set.
type Command struct {
	Kind      Kind
	RequestID string
	StreamID  string
	Host      string
	Port      int
	Reason    string

	// Seq is the 1-based position of a chunk within its stream. Zero means the sender did not
	// number the chunk, in which case it is applied in arrival order.
	Seq uint64

	// Final is the number of chunks the sender of a CLOSE emitted for the stream. Zero means unknown.
	Final uint64

	Payload []byte
}

// NewConnect returns a CONNECT command.
func NewConnect(requestID, host string, port int) Command {
	return Command{Kind: Connect, RequestID: requestID, Host: host, Port: port}
}

// NewOK returns an OK command.
func NewOK(requestID, streamID string) Command {
	return Command{Kind: OK, RequestID: requestID, StreamID: streamID}
}

// NewFail returns a FAIL command.
func NewFail(requestID, reason string) Command {
	return Command{Kind: Fail, RequestID: requestID, Reason: reason}
}

// NewData returns a SEND or RECV command carrying a chunk.
func NewData(kind Kind, streamID string, seq uint64, payload []byte) Command {
	return Command{Kind: kind, StreamID: streamID, Seq: seq, Payload: payload}
}

// NewClose returns a CLOSE command.
func NewClose(streamID string, final uint64) Command {
	return Command{Kind: Close, StreamID: streamID, Final: final}
}

// NewClosed returns a CLOSED command.
func NewClosed(streamID string) Command {
	return Command{Kind: Closed, StreamID: streamID}
}

// Key returns the identifier a command is correlated by: the stream id for stream commands and the
// request id for CONNECT, OK and FAIL.
func (c Command) Key() string {
	switch c.Kind {
	case Connect, OK, Fail:
		return c.RequestID
	default:
		return c.StreamID
	}
}
