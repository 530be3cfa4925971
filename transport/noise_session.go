package transport

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// session holds the cipher states produced by a completed NN handshake.
// CipherState is not safe for concurrent use: send is guarded by the
// connection's write lock and recv is only used by the single reader.
type session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func (s *session) seal(plaintext []byte) ([]byte, error) {
	return s.send.Encrypt(nil, nil, plaintext)
}

func (s *session) open(ciphertext []byte) ([]byte, error) {
	return s.recv.Decrypt(nil, nil, ciphertext)
}

// handshake runs the Noise NN pattern (-> e, <- e ee) over rw. The dialing
// side is the initiator.
func handshake(rw io.ReadWriter, initiator bool) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("noise handshake state: %w", err)
	}

	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noise write e: %w", err)
		}
		if err := WriteFrame(rw, msg); err != nil {
			return nil, fmt.Errorf("noise send e: %w", err)
		}
		reply, err := ReadFrame(rw)
		if err != nil {
			return nil, fmt.Errorf("noise receive e, ee: %w", err)
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, reply)
		if err != nil {
			return nil, fmt.Errorf("noise read e, ee: %w", err)
		}
		return &session{send: cs1, recv: cs2}, nil
	}

	first, err := ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("noise receive e: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, first); err != nil {
		return nil, fmt.Errorf("noise read e: %w", err)
	}
	reply, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noise write e, ee: %w", err)
	}
	if err := WriteFrame(rw, reply); err != nil {
		return nil, fmt.Errorf("noise send e, ee: %w", err)
	}
	return &session{send: cs2, recv: cs1}, nil
}
