// Package relay connects many lease clients to many address servers.
//
// Clients and servers never talk directly. Every client message is tagged
// with the client's tid1, which the Router records as the route back to that
// client, and is then broadcast to every server; each server ignores what it
// does not own. Server replies (OFFER, ACK, CLOSEACK) are delivered only to
// the client that owns the tid1.
//
// When a reply arrives for a tid1 with no route, the Router probes the
// registered clients one at a time with a TEST message carrying that tid1.
// The client that owns the transaction echoes the probe; the first echo
// within the probe timeout becomes the route. A reply nobody claims is
// dropped and counted as an unresolved route.
//
// Serve accepts TCP connections, reads the role tag (and runs the Noise
// handshake when enabled), and registers the peer in the matching registry:
//
//	r := relay.NewRouter(relay.DefaultConfig())
//	ln, _ := net.Listen("tcp", "127.0.0.1:5000")
//	go r.Serve(ctx, ln)
package relay
