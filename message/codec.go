package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode indicates a corrupted or incomplete message payload.
var ErrDecode = errors.New("message decode failed")

// wireMessage is the JSON shape of a Message. Absent optional fields are
// omitted entirely rather than encoded as empty strings.
type wireMessage struct {
	Type       string  `json:"type"`
	CurrentIP  string  `json:"current_ip"`
	TID1       string  `json:"tid1"`
	TID2       *string `json:"tid2,omitempty"`
	OfferingIP *string `json:"offering_ip,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Type:      m.typ.String(),
		CurrentIP: m.currentIP,
		TID1:      m.tid1,
	}
	if m.hasTID2 {
		tid2 := m.tid2
		w.TID2 = &tid2
	}
	if m.hasOffer {
		ip := m.offeringIP
		w.OfferingIP = &ip
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	t, err := ParseType(w.Type)
	if err != nil {
		return err
	}
	if !ValidTID(w.TID1) {
		return fmt.Errorf("%w: invalid tid1 %q", ErrDecode, w.TID1)
	}

	decoded := Message{typ: t, currentIP: w.CurrentIP, tid1: w.TID1}
	if decoded.currentIP == "" {
		decoded.currentIP = Unassigned
	}
	if w.TID2 != nil {
		if !ValidTID(*w.TID2) {
			return fmt.Errorf("%w: invalid tid2 %q", ErrDecode, *w.TID2)
		}
		decoded.tid2 = *w.TID2
		decoded.hasTID2 = true
	}
	if w.OfferingIP != nil {
		decoded.offeringIP = *w.OfferingIP
		decoded.hasOffer = true
	}

	*m = decoded
	return nil
}

// Encode serializes a message for transmission.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("message is nil")
	}
	return json.Marshal(m)
}

// Decode parses a payload produced by Encode. Any failure wraps ErrDecode.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		if errors.Is(err, ErrDecode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}
