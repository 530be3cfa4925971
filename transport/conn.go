package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/leasenet/message"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// Conn is a framed message Channel over a net.Conn.
type Conn struct {
	conn         net.Conn
	session      *session
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps an established connection. The role tag and any secure
// handshake must already have been exchanged.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Secure runs the Noise handshake and encrypts all following frames.
// It must be called before the first Send or Receive.
func (c *Conn) Secure(initiator bool) error {
	s, err := handshake(c.conn, initiator)
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

// Send encodes and writes msg as one frame.
func (c *Conn) Send(msg *message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}

	payload, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != nil {
		if payload, err = c.session.seal(payload); err != nil {
			return fmt.Errorf("seal frame: %w", err)
		}
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	return WriteFrame(c.conn, payload)
}

// Receive reads the next frame and decodes it.
func (c *Conn) Receive() (*message.Message, error) {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}

	if c.session != nil {
		if payload, err = c.session.open(payload); err != nil {
			return nil, fmt.Errorf("%w: open frame: %v", message.ErrDecode, err)
		}
	}

	return message.Decode(payload)
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetWriteTimeout changes the per-frame write deadline; zero disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = d
}
