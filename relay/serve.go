package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/transport"
)

// ListenAndServe listens on addr and calls Serve.
func (r *Router) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled or ln fails. Each
// connection is registered by the role it announces; connections with an
// unknown tag or a failed handshake are closed.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	r.log.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
		"secure":   r.cfg.Transport.Secure,
	}).Info("Relay listening")

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		go r.handleConn(raw)
	}
}

func (r *Router) handleConn(raw net.Conn) {
	session := uuid.NewString()
	logger := r.log.WithFields(logrus.Fields{
		"function": "handleConn",
		"remote":   raw.RemoteAddr().String(),
		"session":  session,
	})

	role, conn, err := transport.Accept(raw, r.cfg.Transport)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Rejected connection")
		raw.Close()
		return
	}

	logger.WithField("role", role).Debug("Handshake complete")
	r.register(role, conn, session)
}
