package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxMessageSize bounds the length of an encoded command.
const MaxMessageSize = 64 * 1024

// ErrProtocol is wrapped by every decoding error.
var ErrProtocol = errors.New("protocol error")

// ParseError describes a message that could not be decoded.
type ParseError struct {
	Msg     string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol error: %s: %q", e.Msg, e.Message)
}

func (e *ParseError) Unwrap() error {
	return ErrProtocol
}

var encoding = base64.StdEncoding

// Encode serialises a command into a single channel message.
func Encode(c Command) ([]byte, error) {
	var b strings.Builder
	b.WriteString(c.Kind.String())

	switch c.Kind {
	case Connect:
		if err := checkTokens(c.RequestID, c.Host); err != nil {
			return nil, err
		}
		if c.Port < 1 || c.Port > 65535 {
			return nil, fmt.Errorf("invalid port %d", c.Port)
		}
		fmt.Fprintf(&b, " %s %s %d", c.RequestID, c.Host, c.Port)
	case OK:
		if err := checkTokens(c.RequestID, c.StreamID); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " %s %s", c.RequestID, c.StreamID)
	case Fail:
		if err := checkTokens(c.RequestID, c.Reason); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " %s %s", c.RequestID, c.Reason)
	case Send, Recv:
		if err := checkTokens(c.StreamID); err != nil {
			return nil, err
		}
		if len(c.Payload) == 0 {
			return nil, errors.New("empty chunk")
		}
		fmt.Fprintf(&b, " %s %d %s", c.StreamID, c.Seq, encoding.EncodeToString(c.Payload))
	case Close:
		if err := checkTokens(c.StreamID); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " %s %d", c.StreamID, c.Final)
	case Closed:
		if err := checkTokens(c.StreamID); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " %s", c.StreamID)
	default:
		return nil, fmt.Errorf("cannot encode command of kind %s", c.Kind)
	}

	if b.Len() > MaxMessageSize {
		return nil, fmt.Errorf("encoded %s is %d bytes, limit is %d", c.Kind, b.Len(), MaxMessageSize)
	}
	return []byte(b.String()), nil
}

// MaxChunkSize returns the largest chunk that still encodes within MaxMessageSize.
func MaxChunkSize() int {
	// room for the verb, a stream id and a sequence number
	return encoding.DecodedLen(MaxMessageSize - 128)
}

// Decode parses a channel message. Malformed input yields a *ParseError.
func Decode(message []byte) (Command, error) {
	if len(message) > MaxMessageSize {
		return Command{}, &ParseError{Msg: "message too large", Message: truncate(message)}
	}
	fields := strings.Split(string(message), " ")
	kind, ok := namesToKind[fields[0]]
	if !ok {
		return Command{}, &ParseError{Msg: "unknown command", Message: truncate(message)}
	}
	c := Command{Kind: kind}
	args := fields[1:]

	fail := func(msg string) (Command, error) {
		return Command{}, &ParseError{Msg: msg, Message: truncate(message)}
	}
	for _, a := range args {
		if a == "" {
			return fail("empty field")
		}
	}

	switch kind {
	case Connect:
		if len(args) != 3 {
			return fail("CONNECT takes 3 fields")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil || port < 1 || port > 65535 {
			return fail("invalid port")
		}
		c.RequestID, c.Host, c.Port = args[0], args[1], port
	case OK:
		if len(args) != 2 {
			return fail("OK takes 2 fields")
		}
		c.RequestID, c.StreamID = args[0], args[1]
	case Fail:
		if len(args) != 2 {
			return fail("FAIL takes 2 fields")
		}
		c.RequestID, c.Reason = args[0], args[1]
	case Send, Recv:
		var chunk string
		switch len(args) {
		case 2:
			c.StreamID, chunk = args[0], args[1]
		case 3:
			seq, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fail("invalid sequence number")
			}
			c.StreamID, c.Seq, chunk = args[0], seq, args[2]
		default:
			return fail(kind.String() + " takes 2 or 3 fields")
		}
		payload, err := encoding.DecodeString(chunk)
		if err != nil {
			return fail("invalid chunk encoding")
		}
		if len(payload) == 0 {
			return fail("empty chunk")
		}
		c.Payload = payload
	case Close:
		switch len(args) {
		case 1:
			c.StreamID = args[0]
		case 2:
			final, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fail("invalid final count")
			}
			c.StreamID, c.Final = args[0], final
		default:
			return fail("CLOSE takes 1 or 2 fields")
		}
	case Closed:
		if len(args) != 1 {
			return fail("CLOSED takes 1 field")
		}
		c.StreamID = args[0]
	}
	return c, nil
}

func checkTokens(tokens ...string) error {
	for _, t := range tokens {
		if t == "" || strings.ContainsAny(t, " \t\r\n") {
			return fmt.Errorf("invalid token %q", t)
		}
	}
	return nil
}

func truncate(message []byte) string {
	const limit = 64
	if len(message) > limit {
		return string(message[:limit]) + "..."
	}
	return string(message)
}
