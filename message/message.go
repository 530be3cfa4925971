// Package message defines the leasenet protocol messages exchanged between
// clients, servers and the relay.
//
// A Message is an immutable value: constructors and the With* helpers return
// new values and never modify the receiver. The optional fields (tid2 and the
// offering address) carry an explicit presence flag so that an absent field
// is distinguishable from an empty one after an encode/decode round trip.
//
// Example:
//
//	tid1 := message.NewTID()
//	discover := message.NewDiscover(message.Unassigned, tid1)
//
//	data, err := message.Encode(discover)
//	if err != nil {
//	    log.Fatal(err)
//	}
package message

import (
	"fmt"
	"math/rand/v2"
)

// Unassigned is the address a client reports before it holds a lease.
const Unassigned = "0.0.0.0"

// TIDLength is the number of characters in a transaction identifier.
const TIDLength = 8

const tidAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Type identifies the kind of a protocol message.
type Type uint8

const (
	// TypeDiscover is broadcast by a client to find servers with free addresses.
	TypeDiscover Type = iota + 1
	// TypeOffer proposes an address to a discovering client.
	TypeOffer
	// TypeRequest confirms the client's choice of one offer.
	TypeRequest
	// TypeAck grants the requested lease.
	TypeAck
	// TypeNotNeeded declines an offer that was not selected.
	TypeNotNeeded
	// TypeRelease gives a leased address back.
	TypeRelease
	// TypeCloseAck confirms a release.
	TypeCloseAck
	// TypeKeepalive renews a lease.
	TypeKeepalive
	// TypeTest is the relay's route probe, echoed by the owning client.
	TypeTest
)

var typeNames = map[Type]string{
	TypeDiscover:  "DISCOVER",
	TypeOffer:     "OFFER",
	TypeRequest:   "REQUEST",
	TypeAck:       "ACK",
	TypeNotNeeded: "NOT_NEEDED",
	TypeRelease:   "RELEASE",
	TypeCloseAck:  "CLOSEACK",
	TypeKeepalive: "KEEPALIVE",
	TypeTest:      "TEST",
}

// String returns the wire name of the message type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// ParseType converts a wire name back into a Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown message type %q", ErrDecode, name)
}

// Message is a single protocol message.
type Message struct {
	typ        Type
	currentIP  string
	tid1       string
	tid2       string
	hasTID2    bool
	offeringIP string
	hasOffer   bool
}

// New creates a message without the optional fields.
func New(t Type, currentIP, tid1 string) *Message {
	if currentIP == "" {
		currentIP = Unassigned
	}
	return &Message{typ: t, currentIP: currentIP, tid1: tid1}
}

// NewDiscover creates a DISCOVER for the given discovery cycle.
func NewDiscover(currentIP, tid1 string) *Message {
	return New(TypeDiscover, currentIP, tid1)
}

// NewOffer creates an OFFER of ip under the server's tid2.
func NewOffer(currentIP, tid1, tid2, ip string) *Message {
	return New(TypeOffer, currentIP, tid1).WithTID2(tid2).WithOfferingIP(ip)
}

// NewRequest creates a REQUEST for the offer named by tid2.
func NewRequest(currentIP, tid1, tid2, ip string) *Message {
	return New(TypeRequest, currentIP, tid1).WithTID2(tid2).WithOfferingIP(ip)
}

// NewAck creates an ACK granting ip.
func NewAck(currentIP, tid1, tid2, ip string) *Message {
	return New(TypeAck, currentIP, tid1).WithTID2(tid2).WithOfferingIP(ip)
}

// NewNotNeeded creates a NOT_NEEDED declining the offer named by tid2.
func NewNotNeeded(currentIP, tid1, tid2, ip string) *Message {
	return New(TypeNotNeeded, currentIP, tid1).WithTID2(tid2).WithOfferingIP(ip)
}

// NewRelease creates a RELEASE for the lease named by tid2.
func NewRelease(currentIP, tid1, tid2 string) *Message {
	return New(TypeRelease, currentIP, tid1).WithTID2(tid2)
}

// NewCloseAck creates a CLOSEACK confirming a release.
func NewCloseAck(currentIP, tid1, tid2 string) *Message {
	return New(TypeCloseAck, currentIP, tid1).WithTID2(tid2)
}

// NewKeepalive creates a KEEPALIVE renewing the lease named by tid2.
func NewKeepalive(currentIP, tid1, tid2 string) *Message {
	return New(TypeKeepalive, currentIP, tid1).WithTID2(tid2)
}

// NewTest creates a route probe for tid1.
func NewTest(tid1 string) *Message {
	return New(TypeTest, Unassigned, tid1)
}

// WithTID2 returns a copy of m carrying tid2.
func (m *Message) WithTID2(tid2 string) *Message {
	c := *m
	c.tid2 = tid2
	c.hasTID2 = true
	return &c
}

// WithOfferingIP returns a copy of m carrying the offered address.
func (m *Message) WithOfferingIP(ip string) *Message {
	c := *m
	c.offeringIP = ip
	c.hasOffer = true
	return &c
}

// Type returns the message type.
func (m *Message) Type() Type { return m.typ }

// CurrentIP returns the sender's current address.
func (m *Message) CurrentIP() string { return m.currentIP }

// TID1 returns the client transaction identifier.
func (m *Message) TID1() string { return m.tid1 }

// TID2 returns the server transaction identifier and whether it is present.
func (m *Message) TID2() (string, bool) { return m.tid2, m.hasTID2 }

// OfferingIP returns the offered address and whether it is present.
func (m *Message) OfferingIP() (string, bool) { return m.offeringIP, m.hasOffer }

// Equal reports whether m and other carry identical fields.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return *m == *other
}

// String returns a representation of the message for logging.
func (m *Message) String() string {
	tid2, offer := "<none>", "<none>"
	if m.hasTID2 {
		tid2 = m.tid2
	}
	if m.hasOffer {
		offer = m.offeringIP
	}
	return fmt.Sprintf("Message[Type=%s, CurrentIP=%s, TID1=%s, TID2=%s, OfferingIP=%s]",
		m.typ, m.currentIP, m.tid1, tid2, offer)
}

// NewTID generates a random 8-character alphanumeric transaction identifier.
func NewTID() string {
	b := make([]byte, TIDLength)
	for i := range b {
		b[i] = tidAlphabet[rand.IntN(len(tidAlphabet))]
	}
	return string(b)
}

// ValidTID reports whether s is a well-formed transaction identifier.
func ValidTID(s string) bool {
	if len(s) != TIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
