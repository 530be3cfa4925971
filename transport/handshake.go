package transport

import (
	"fmt"
	"io"
)

// Role is the tag a peer announces when it connects to the relay.
type Role string

const (
	// RoleServer identifies an address-issuing server.
	RoleServer Role = "SERVER"
	// RoleClient identifies an address-seeking client.
	RoleClient Role = "CLIENT"
)

// roleTagSize is the length of both role tags on the wire.
const roleTagSize = 6

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleServer || r == RoleClient
}

// WriteRole sends the literal role tag.
func WriteRole(w io.Writer, r Role) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
	}
	_, err := io.WriteString(w, string(r))
	return err
}

// ReadRole reads and validates a role tag.
func ReadRole(r io.Reader) (Role, error) {
	buf := make([]byte, roleTagSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read role tag: %w", err)
	}
	role := Role(buf)
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, string(buf))
	}
	return role, nil
}
