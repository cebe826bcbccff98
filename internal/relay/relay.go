// Package relay runs the lifecycle of one authenticated connection.
package relay

import (
	"context"
	"log/slog"

	"cipherrelay/internal/delivery"
	"cipherrelay/internal/domain"
	"cipherrelay/internal/session"
)

// Frame is one decoded inbound frame, or the reason it could not be decoded.
type Frame struct {
	Inbound domain.Inbound
	Err     error
}

// Toucher refreshes account activity on connect.
type Toucher interface {
	Touch(ctx context.Context, nickname string) error
}

type Server struct {
	sessions *session.Registry
	router   *delivery.Router
	drainer  *delivery.Drainer
	accounts Toucher
	log      *slog.Logger
}

func NewServer(sessions *session.Registry, router *delivery.Router, drainer *delivery.Drainer, accounts Toucher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: sessions, router: router, drainer: drainer, accounts: accounts, log: logger}
}

// Serve registers identity on t, replays its offline queue and then handles
// frames until inbound closes or ctx ends. The session is unregistered on
// return unless a newer connection already replaced it.
func (s *Server) Serve(ctx context.Context, identity string, t session.Transport, inbound <-chan Frame) error {
	sess := s.sessions.Register(identity, t)
	log := s.log.With("identity", identity, "generation", sess.Generation())
	log.Info("session opened")
	defer func() {
		if s.sessions.Unregister(sess) {
			log.Info("session closed")
		} else {
			log.Debug("stale session ended")
		}
	}()

	if s.accounts != nil {
		if err := s.accounts.Touch(ctx, identity); err != nil {
			log.Warn("refresh activity", "error", err)
		}
	}
	s.drainer.Drain(ctx, sess)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-inbound:
			if !ok {
				return nil
			}
			if f.Err != nil {
				s.reject(ctx, sess, f.Err)
				continue
			}
			// errors are reported to the sender by the router
			_, _ = s.router.Handle(ctx, identity, f.Inbound)
		}
	}
}

func (s *Server) reject(ctx context.Context, sess *session.Session, err error) {
	ev, encErr := domain.NewEvent(domain.EventError, domain.ErrorPayloadOf(err))
	if encErr != nil {
		return
	}
	if err := sess.Send(ctx, ev); err != nil {
		s.log.Debug("reporting malformed frame", "identity", sess.Identity(), "error", err)
	}
}
