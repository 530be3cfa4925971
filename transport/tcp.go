package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Options controls connection setup on both the dialing and accepting side.
type Options struct {
	// Secure enables Noise NN encryption after the role tag.
	Secure bool
	// HandshakeTimeout bounds the role tag and Noise exchange.
	HandshakeTimeout time.Duration
}

// DefaultHandshakeTimeout is used when Options.HandshakeTimeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Dial connects to the relay at addr and announces role.
func Dial(ctx context.Context, addr string, role Role, opts Options) (*Conn, error) {
	dialer := &net.Dialer{Timeout: opts.handshakeTimeout()}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	conn, err := Initiate(raw, role, opts)
	if err != nil {
		raw.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"address":  addr,
		"role":     role,
		"secure":   opts.Secure,
	}).Info("Connected to relay")

	return conn, nil
}

// Initiate performs the dialing side of connection setup on raw.
func Initiate(raw net.Conn, role Role, opts Options) (*Conn, error) {
	if err := raw.SetDeadline(time.Now().Add(opts.handshakeTimeout())); err != nil {
		return nil, err
	}
	if err := WriteRole(raw, role); err != nil {
		return nil, fmt.Errorf("send role tag: %w", err)
	}

	conn := NewConn(raw)
	if opts.Secure {
		if err := conn.Secure(true); err != nil {
			return nil, err
		}
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return conn, nil
}

// Accept performs the accepting side of connection setup on raw and reports
// the role the peer announced.
func Accept(raw net.Conn, opts Options) (Role, *Conn, error) {
	if err := raw.SetDeadline(time.Now().Add(opts.handshakeTimeout())); err != nil {
		return "", nil, err
	}

	role, err := ReadRole(raw)
	if err != nil {
		return "", nil, err
	}

	conn := NewConn(raw)
	if opts.Secure {
		if err := conn.Secure(false); err != nil {
			return "", nil, err
		}
	}

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return "", nil, err
	}
	return role, conn, nil
}
