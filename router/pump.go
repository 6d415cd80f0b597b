package router

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"github.com/awnumar/courier/protocol"
)

type closeWriter interface {
	CloseWrite() error
}

// Attach binds a local connection to an open stream and starts pumping bytes in both directions.
// The stream owns conn from now on and closes it on teardown.
func (r *Router) Attach(s *Stream, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	r.wg.Add(2)
	go r.readLoop(s, conn)
	go r.writeLoop(s, conn)
}

// readLoop moves bytes from the local socket to the channel. Bytes are batched into chunks of at
// most ChunkSize and sent when the chunk is full or FlushInterval after its first byte.
func (r *Router) readLoop(s *Stream, conn net.Conn) {
	defer r.wg.Done()
	id := s.ID()
	buf := make([]byte, r.cfg.ChunkSize)
	fill := 0
	var first time.Time

	for {
		if fill > 0 {
			_ = conn.SetReadDeadline(first.Add(r.cfg.FlushInterval))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		n, err := conn.Read(buf[fill:])
		if n > 0 {
			if fill == 0 {
				first = time.Now()
			}
			fill += n
			s.touch()
		}
		if fill > 0 && (fill == len(buf) || err != nil) {
			if sendErr := r.sendChunk(s, id, buf[:fill]); sendErr != nil {
				r.abort(s, sendErr)
				return
			}
			fill = 0
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.finishLocal(s, err)
			return
		}
	}
}

func (r *Router) sendChunk(s *Stream, id string, chunk []byte) error {
	s.mu.Lock()
	if s.terminal() || s.localDone {
		s.mu.Unlock()
		return nil
	}
	s.sent++
	seq := s.sent
	s.mu.Unlock()

	// Encode copies the chunk, so buf can be reused once send returns
	if err := r.send(r.ctx, id, protocol.NewData(r.outKind, id, seq, chunk)); err != nil {
		return err
	}
	s.bytesOut.Add(int64(len(chunk)))
	r.metrics.BytesOut(len(chunk))
	return nil
}

// finishLocal handles the end of the local read direction: it announces CLOSE with the number of
// chunks sent, so the peer can drain before closing its side.
func (r *Router) finishLocal(s *Stream, cause error) {
	s.mu.Lock()
	if s.localDone || s.terminal() {
		s.mu.Unlock()
		return
	}
	s.localDone = true
	final := s.sent
	id := s.id
	s.beginClosing(r.cfg.DrainTimeout, func() { r.drainExpired(s) })
	s.mu.Unlock()

	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		r.log.Debug("local read ended", zap.Stringer("stream", s), zap.Error(cause))
	}
	if err := r.send(r.ctx, id, protocol.NewClose(id, final)); err != nil {
		r.abort(s, err)
		return
	}
	r.maybeFinish(s)
}

// writeLoop writes inbound chunks to the local socket in order. When the peer's direction is
// complete it half-closes the socket.
func (r *Router) writeLoop(s *Stream, conn net.Conn) {
	defer r.wg.Done()
	for {
		chunk, finished, ok := s.nextWrite()
		if !ok {
			return
		}
		if finished {
			if cw, ok := conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			s.mu.Lock()
			s.writeDone = true
			s.mu.Unlock()
			r.maybeFinish(s)
			return
		}
		if _, err := conn.Write(chunk); err != nil {
			r.abort(s, err)
			return
		}
		s.touch()
		s.bytesIn.Add(int64(len(chunk)))
		r.metrics.BytesIn(len(chunk))
	}
}

// maybeFinish tears the stream down once both directions are closed.
func (r *Router) maybeFinish(s *Stream) {
	s.mu.Lock()
	both := s.localDone && s.writeDone
	peerGone := s.peerGone
	s.mu.Unlock()
	if both {
		r.teardown(s, !peerGone, "closed")
	}
}

// abort resets a stream after a failure on either side.
func (r *Router) abort(s *Stream, cause error) {
	s.mu.Lock()
	if s.terminal() {
		s.mu.Unlock()
		return
	}
	id, localDone, peerGone := s.id, s.localDone, s.peerGone
	s.localDone = true
	s.mu.Unlock()

	r.log.Info("resetting stream", zap.Stringer("stream", s), zap.Error(cause))
	if !peerGone && !localDone {
		r.sendAsync(id, protocol.NewClose(id, 0))
	}
	r.teardown(s, !peerGone, "reset")
}

// drainExpired tears down a closing stream that has been quiet for DrainTimeout. A stream that
// still moves data in its open direction gets the timer re-armed instead.
func (r *Router) drainExpired(s *Stream) {
	if wait := r.cfg.DrainTimeout - time.Since(s.LastActivity()); wait > 0 {
		s.mu.Lock()
		if !s.terminal() && s.drainTimer != nil {
			s.drainTimer.Reset(wait)
		}
		s.mu.Unlock()
		return
	}
	r.log.Info("drain timeout, closing stream", zap.Stringer("stream", s))
	s.mu.Lock()
	peerGone := s.peerGone
	s.mu.Unlock()
	r.teardown(s, !peerGone, "drain timeout")
}

// teardown closes the local socket and removes the stream. With notify set the peer is told
// with CLOSED. It runs once per stream.
func (r *Router) teardown(s *Stream, notify bool, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		if s.state == Open || s.state == Closing {
			_ = s.transition(Closed)
		}
		id, conn := s.id, s.conn
		held := s.reorder.held()
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		close(s.done)
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		r.registry.Remove(s)
		if id != "" {
			r.metrics.StreamClosed()
			r.stats.Close()
		}
		if notify && id != "" {
			r.sendAsync(id, protocol.NewClosed(id))
		}
		if len(held) > 0 {
			r.log.Warn("stream closed with chunks missing", zap.Stringer("stream", s), zap.Uint64s("held", held))
		}
		r.log.Info("stream closed",
			zap.Stringer("stream", s),
			zap.String("reason", reason),
			zap.String("sent", sizestr.ToString(s.bytesOut.Load())),
			zap.String("received", sizestr.ToString(s.bytesIn.Load())),
			zap.Stringer("conns", &r.stats),
		)
	})
}
