// Package simchan provides an in-memory transport.Channel for deterministic
// tests of the relay, client and server engines.
//
// A Channel has an inbox fed by Deliver (or by the peer of a Pair) and keeps
// a delivery log of everything passed to Send, so tests can assert on the
// exact messages an engine produced without opening sockets:
//
//	ch := simchan.New()
//	ch.Deliver(message.NewDiscover(message.Unassigned, "abcd1234"))
//	...
//	sent := ch.Sent()
//
// Send failures can be injected with FailSends to exercise the paths that
// deregister or log a broken peer.
package simchan
