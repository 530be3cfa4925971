package simchan

import (
	"sync"
	"time"

	"github.com/opd-ai/leasenet/message"
	"github.com/opd-ai/leasenet/transport"
)

// inboxSize bounds queued inbound messages before Deliver blocks.
const inboxSize = 256

// DeliveryRecord is one Send call observed by the simulation.
type DeliveryRecord struct {
	Message   *message.Message
	Timestamp time.Time
	Success   bool
	Error     error
}

// inbound is one queued Receive result.
type inbound struct {
	msg *message.Message
	err error
}

// Channel is an in-memory transport.Channel.
type Channel struct {
	inbox  chan inbound
	closed chan struct{}

	mu          sync.Mutex
	peer        *Channel
	deliveryLog []DeliveryRecord
	sendErr     error
	closeOnce   sync.Once
	onSend      func(*message.Message)
}

var _ transport.Channel = (*Channel)(nil)

// New returns an unconnected Channel. Sent messages are only logged.
func New() *Channel {
	return &Channel{
		inbox:  make(chan inbound, inboxSize),
		closed: make(chan struct{}),
	}
}

// Pair returns two Channels where each one's Send arrives at the other's
// Receive.
func Pair() (*Channel, *Channel) {
	a, b := New(), New()
	a.peer, b.peer = b, a
	return a, b
}

// Send logs msg and forwards it to the peer, if any.
func (c *Channel) Send(msg *message.Message) error {
	c.mu.Lock()
	err := c.sendErr
	if err == nil && c.isClosed() {
		err = transport.ErrClosed
	}
	c.deliveryLog = append(c.deliveryLog, DeliveryRecord{
		Message:   msg,
		Timestamp: time.Now(),
		Success:   err == nil,
		Error:     err,
	})
	peer, hook := c.peer, c.onSend
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(msg)
	}
	if peer != nil {
		peer.Deliver(msg)
	}
	return nil
}

// Receive blocks until a message or error is delivered or the channel is
// closed. Queued deliveries are drained before ErrClosed is reported.
func (c *Channel) Receive() (*message.Message, error) {
	select {
	case in := <-c.inbox:
		return in.msg, in.err
	default:
	}
	select {
	case in := <-c.inbox:
		return in.msg, in.err
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

// Close makes Receive and Send fail with transport.ErrClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.isClosed()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queues msg for Receive. Delivery to a closed channel is dropped.
func (c *Channel) Deliver(msg *message.Message) {
	c.enqueue(inbound{msg: msg})
}

// DeliverError makes the matching Receive call return err, in order with
// delivered messages. A corrupted frame is simulated with an error wrapping
// message.ErrDecode.
func (c *Channel) DeliverError(err error) {
	c.enqueue(inbound{err: err})
}

func (c *Channel) enqueue(in inbound) {
	select {
	case <-c.closed:
	case c.inbox <- in:
	}
}

// FailSends makes every following Send return err. A nil err restores
// normal delivery.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnSend installs a hook called with every successfully sent message, after
// it is logged and before it reaches the peer.
func (c *Channel) OnSend(fn func(*message.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// GetDeliveryLog returns a copy of every Send attempt.
func (c *Channel) GetDeliveryLog() []DeliveryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeliveryRecord, len(c.deliveryLog))
	copy(out, c.deliveryLog)
	return out
}

// ClearDeliveryLog forgets previous Send attempts.
func (c *Channel) ClearDeliveryLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveryLog = c.deliveryLog[:0]
}

// Sent returns the successfully sent messages in order.
func (c *Channel) Sent() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*message.Message
	for _, rec := range c.deliveryLog {
		if rec.Success {
			out = append(out, rec.Message)
		}
	}
	return out
}

// SentOfType returns the successfully sent messages of type t in order.
func (c *Channel) SentOfType(t message.Type) []*message.Message {
	var out []*message.Message
	for _, msg := range c.Sent() {
		if msg.Type() == t {
			out = append(out, msg)
		}
	}
	return out
}
