package transport

import (
	"errors"

	"github.com/opd-ai/leasenet/message"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame too large")
	// ErrUnknownRole is returned when a peer opens with an unrecognized tag.
	ErrUnknownRole = errors.New("transport: unknown role tag")
)

// Channel is a bidirectional, whole-message connection to one peer.
type Channel interface {
	// Send writes one message. Safe for concurrent use.
	Send(msg *message.Message) error

	// Receive blocks until the next message arrives. Errors wrapping
	// message.ErrDecode are per-message and non-fatal.
	Receive() (*message.Message, error)

	// Close releases the underlying connection.
	Close() error
}
