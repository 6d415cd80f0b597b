package router

import (
	"context"
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/awnumar/courier/protocol"
)

// ErrInvalidTarget is returned by policies for targets that are not valid host and port pairs.
var ErrInvalidTarget = errors.New("invalid target")

// handleConnect answers a CONNECT: it checks the policy, dials the target and replies with OK or
// FAIL. It runs on its own goroutine so slow dials never hold up the dispatcher.
func (r *Router) handleConnect(cmd protocol.Command) {
	addr := net.JoinHostPort(cmd.Host, strconv.Itoa(cmd.Port))
	log := r.log.With(zap.String("request", cmd.RequestID), zap.String("target", addr))

	if s, ok := r.registry.LookupRequest(cmd.RequestID); ok {
		log.Warn("already connected, repeating OK", zap.Stringer("stream", s))
		r.reply(protocol.NewOK(cmd.RequestID, s.ID()))
		return
	}

	if r.cfg.Policy != nil {
		if err := r.cfg.Policy.Allow(cmd.Host, cmd.Port); err != nil {
			reason := protocol.ReasonDenied
			if errors.Is(err, ErrInvalidTarget) {
				reason = protocol.ReasonInvalid
			}
			log.Info("connect refused", zap.String("reason", reason), zap.Error(err))
			r.reply(protocol.NewFail(cmd.RequestID, reason))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	conn, err := r.cfg.Dial(ctx, "tcp", addr)
	cancel()
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		reason := protocol.ReasonUnreachable
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			reason = protocol.ReasonTimeout
		}
		log.Info("connect failed", zap.String("reason", reason), zap.Error(err))
		r.reply(protocol.NewFail(cmd.RequestID, reason))
		return
	}

	s, err := r.registry.Allocate(newStream(Open, cmd.RequestID, cmd.Host, cmd.Port, r.cfg.MaxReorder))
	if errors.Is(err, ErrDuplicateRequest) {
		conn.Close()
		log.Warn("already connected, repeating OK", zap.Stringer("stream", s))
		r.reply(protocol.NewOK(cmd.RequestID, s.ID()))
		return
	}

	r.opened(s)
	if err := r.send(r.ctx, "", protocol.NewOK(cmd.RequestID, s.ID())); err != nil {
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		log.Warn("failed to answer connect", zap.Error(err))
		r.teardown(s, false, "reply failed")
		return
	}
	r.Attach(s, conn)
}

func (r *Router) reply(cmd protocol.Command) {
	if err := r.send(r.ctx, "", cmd); err != nil && r.ctx.Err() == nil {
		r.log.Warn("failed to send reply", zap.Stringer("kind", cmd.Kind), zap.String("key", cmd.Key()), zap.Error(err))
	}
}
