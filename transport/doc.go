// Package transport carries leasenet messages over stream connections.
//
// # Architecture
//
// A raw byte stream may coalesce or fragment writes, so every message is
// wrapped in a frame with a 4-byte big-endian length prefix and read back
// with io.ReadFull. The core engines never see bytes: they consume the
// Channel interface, which sends and receives whole messages.
//
//	type Channel interface {
//	    Send(msg *message.Message) error
//	    Receive() (*message.Message, error)
//	    Close() error
//	}
//
// # Connection Setup
//
// The first bytes a peer writes on a new connection are its literal role tag,
// "SERVER" or "CLIENT". When Options.Secure is set, a Noise NN handshake runs
// right after the tag and every following frame is encrypted with the
// resulting cipher states.
//
//	conn, err := transport.Dial(ctx, "127.0.0.1:5000", transport.RoleClient, transport.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
// On the accepting side:
//
//	role, conn, err := transport.Accept(rawConn, opts)
//
// # Error Handling
//
// Receive distinguishes two failure classes. Errors wrapping message.ErrDecode
// affect a single frame and the caller may keep reading. Any other error
// means the stream is unusable and the peer should be dropped.
package transport
