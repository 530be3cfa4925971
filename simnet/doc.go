// Package simnet runs an in-process lease network over loopback TCP and
// reports on it.
//
// An Orchestrator starts a relay, a number of address servers and a number
// of clients, then drives every client through one full lease cycle:
//
//  1. Network startup: relay listener and servers
//  2. Client setup: clients connect to the relay
//  3. Lease acquisition: DISCOVER, selection, REQUEST, ACK
//  4. Lease refresh: KEEPALIVE from every bound client
//  5. Lease release: RELEASE and CLOSEACK, pools return to full
//
// Each step is timed and recorded, and a summary is written to the
// configured output when the run ends:
//
//	cfg := simnet.DefaultConfig()
//	cfg.Clients = 5
//	o, err := simnet.NewOrchestrator(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := o.Run(ctx)
package simnet
