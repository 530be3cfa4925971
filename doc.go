// Package leasenet wires the lease protocol's relay, address servers and
// clients to configuration and TCP transport.
//
// The protocol engines live in the relay, server and client packages and
// talk through the transport.Channel abstraction. This package builds them
// from a config.Config and connects them to a relay over TCP:
//
//	cfg, err := config.Load("leasenet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c, err := leasenet.DialClient(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go c.Run(ctx)
//
//	if err := c.RequestAddress(); err != nil {
//	    log.Fatal(err)
//	}
//	st, _ := c.WaitFor(ctx, client.Status.Bound)
//	fmt.Println("leased", st.CurrentIP)
//
// # Components
//
//   - [Relay]: accepts SERVER and CLIENT connections and routes between them
//   - [DialServer]: connects one address server to the relay
//   - [DialClient]: connects one client to the relay
//   - [ServeMetrics]: exposes the Prometheus collectors over HTTP
//
// # Message Flow
//
// A client broadcasts DISCOVER through the relay to every server. Each server
// with a free address answers with an OFFER, routed back by the client's
// transaction id (tid1). After the selection window the client REQUESTs one
// offer and sends NOT_NEEDED for the rest; the chosen server ACKs. The lease
// is renewed with KEEPALIVE and ended with RELEASE and CLOSEACK. Servers
// reclaim addresses whose holds lapse without any message.
package leasenet
