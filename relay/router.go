package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/message"
	"github.com/opd-ai/leasenet/metrics"
	"github.com/opd-ai/leasenet/transport"
)

// ErrUnresolvedRoute is reported when no client claims a server reply.
var ErrUnresolvedRoute = errors.New("relay: no client owns transaction")

// PeerID identifies a registered connection. IDs are never reused.
type PeerID uint64

// Config controls the Router.
type Config struct {
	// ProbeTimeout bounds the wait for each client's TEST echo.
	ProbeTimeout time.Duration
	// Transport is used by Serve for the role tag and optional encryption.
	Transport transport.Options
	// Clock drives probe timeouts. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard relay settings.
func DefaultConfig() Config {
	return Config{ProbeTimeout: 2 * time.Second}
}

type peer struct {
	id      PeerID
	role    transport.Role
	ch      transport.Channel
	session string
}

// Router holds the client and server registries and the tid1 route table.
// A single mutex guards all three; routing sends are made while holding it.
type Router struct {
	cfg    Config
	clock  clock.Clock
	log    *logrus.Entry
	probes *probes

	mu      sync.Mutex
	nextID  PeerID
	clients map[PeerID]*peer
	servers map[PeerID]*peer
	routes  map[string]PeerID
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRouter returns an empty Router.
func NewRouter(cfg Config) *Router {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Router{
		cfg:     cfg,
		clock:   c,
		log:     logrus.WithField("component", "relay"),
		probes:  newProbes(),
		clients: make(map[PeerID]*peer),
		servers: make(map[PeerID]*peer),
		routes:  make(map[string]PeerID),
		done:    make(chan struct{}),
	}
}

// RegisterClient adds a client connection and starts its receive loop.
func (r *Router) RegisterClient(ch transport.Channel) PeerID {
	return r.register(transport.RoleClient, ch, "")
}

// RegisterServer adds a server connection and starts its receive loop.
func (r *Router) RegisterServer(ch transport.Channel) PeerID {
	return r.register(transport.RoleServer, ch, "")
}

func (r *Router) register(role transport.Role, ch transport.Channel, session string) PeerID {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ch.Close()
		return 0
	}
	r.nextID++
	p := &peer{id: r.nextID, role: role, ch: ch, session: session}
	r.registryLocked(role)[p.id] = p
	r.observeLocked()
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"function": "register",
		"peer_id":  p.id,
		"role":     role,
		"session":  session,
	}).Info("Peer connected")

	go r.receiveLoop(p)
	return p.id
}

// Deregister removes a peer, closes its channel and forgets every route that
// pointed at it. It reports whether the peer was registered.
func (r *Router) Deregister(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(id)
}

func (r *Router) deregisterLocked(id PeerID) bool {
	p, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		for tid1, owner := range r.routes {
			if owner == id {
				delete(r.routes, tid1)
			}
		}
	} else if p, ok = r.servers[id]; ok {
		delete(r.servers, id)
	} else {
		return false
	}

	p.ch.Close()
	r.observeLocked()

	r.log.WithFields(logrus.Fields{
		"function": "Deregister",
		"peer_id":  id,
		"role":     p.role,
		"session":  p.session,
	}).Info("Peer disconnected")
	return true
}

// Close deregisters every peer, aborts pending probes and waits for the
// receive loops to finish.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	for id := range r.clients {
		r.deregisterLocked(id)
	}
	for id := range r.servers {
		r.deregisterLocked(id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Clients returns the number of registered clients.
func (r *Router) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Servers returns the number of registered servers.
func (r *Router) Servers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Route returns the client currently recorded for tid1.
func (r *Router) Route(tid1 string) (PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.routes[tid1]
	return id, ok
}

func (r *Router) receiveLoop(p *peer) {
	defer r.wg.Done()

	for {
		msg, err := p.ch.Receive()
		if err != nil {
			if errors.Is(err, message.ErrDecode) {
				metrics.RelayDropped.WithLabelValues("decode").Inc()
				r.log.WithFields(logrus.Fields{
					"function": "receiveLoop",
					"peer_id":  p.id,
					"error":    err.Error(),
				}).Warn("Dropping undecodable message")
				continue
			}
			if !errors.Is(err, transport.ErrClosed) {
				r.log.WithFields(logrus.Fields{
					"function": "receiveLoop",
					"peer_id":  p.id,
					"error":    err.Error(),
				}).Debug("Receive failed")
			}
			r.Deregister(p.id)
			return
		}

		metrics.RelayMessages.WithLabelValues(string(p.role), msg.Type().String()).Inc()
		if p.role == transport.RoleClient {
			r.routeFromClient(p.id, msg)
		} else {
			r.routeFromServer(msg)
		}
	}
}

// routeFromClient records the sender as the owner of the message's tid1 and
// fans the message out to every server. Probe echoes are handed to the
// waiting probe instead.
func (r *Router) routeFromClient(id PeerID, msg *message.Message) {
	if msg.Type() == message.TypeTest {
		if !r.probes.deliver(probeKey{peer: id, tid1: msg.TID1()}) {
			r.log.WithFields(logrus.Fields{
				"function": "routeFromClient",
				"peer_id":  id,
				"tid1":     msg.TID1(),
			}).Debug("Unexpected probe echo")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return
	}
	r.routes[msg.TID1()] = id
	r.observeLocked()

	switch msg.Type() {
	case message.TypeDiscover, message.TypeRequest, message.TypeNotNeeded,
		message.TypeRelease, message.TypeKeepalive:
	default:
		return
	}

	r.log.WithFields(logrus.Fields{
		"function": "routeFromClient",
		"peer_id":  id,
		"type":     msg.Type().String(),
		"tid1":     msg.TID1(),
		"servers":  len(r.servers),
	}).Debug("Broadcasting to servers")

	for _, p := range r.servers {
		r.sendLocked(p, msg)
	}
}

// routeFromServer delivers OFFER, ACK and CLOSEACK to the client that owns
// the tid1, probing for it when no route is known.
func (r *Router) routeFromServer(msg *message.Message) {
	switch msg.Type() {
	case message.TypeOffer, message.TypeAck, message.TypeCloseAck:
	default:
		metrics.RelayDropped.WithLabelValues("not_forwardable").Inc()
		r.log.WithFields(logrus.Fields{
			"function": "routeFromServer",
			"type":     msg.Type().String(),
		}).Debug("Dropping server message that is never forwarded")
		return
	}

	tid1 := msg.TID1()

	r.mu.Lock()
	if id, ok := r.routes[tid1]; ok {
		if p := r.clients[id]; p != nil {
			r.sendLocked(p, msg)
			r.mu.Unlock()
			return
		}
		delete(r.routes, tid1)
	}
	r.mu.Unlock()

	p, ok := r.resolve(tid1)
	if !ok {
		metrics.RelayDropped.WithLabelValues("unresolved_route").Inc()
		r.log.WithFields(logrus.Fields{
			"function": "routeFromServer",
			"type":     msg.Type().String(),
			"tid1":     tid1,
			"error":    ErrUnresolvedRoute.Error(),
		}).Warn("Dropping server reply")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[p.id] == p {
		r.sendLocked(p, msg)
	}
}

// resolve probes a snapshot of the registered clients, in registration
// order, for the owner of tid1. The Router lock is not held while waiting.
func (r *Router) resolve(tid1 string) (*peer, bool) {
	r.mu.Lock()
	snapshot := make([]*peer, 0, len(r.clients))
	for _, p := range r.clients {
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	logger := r.log.WithFields(logrus.Fields{
		"function": "resolve",
		"tid1":     tid1,
	})
	logger.WithField("candidates", len(snapshot)).Info("No route, probing clients")

	for _, p := range snapshot {
		// A concurrent probe or a fresh client message may have settled
		// the route already.
		if owner := r.routed(tid1); owner != nil {
			return owner, true
		}

		key := probeKey{peer: p.id, tid1: tid1}
		echoed, withdraw := r.probes.expect(key)

		if err := p.ch.Send(message.NewTest(tid1)); err != nil {
			withdraw()
			metrics.RelayProbes.WithLabelValues("error").Inc()
			logger.WithFields(logrus.Fields{
				"peer_id": p.id,
				"error":   err.Error(),
			}).Warn("Probe send failed")
			r.Deregister(p.id)
			continue
		}

		timer := r.clock.Timer(r.cfg.ProbeTimeout)
		select {
		case <-echoed:
			timer.Stop()
			metrics.RelayProbes.WithLabelValues("match").Inc()

			r.mu.Lock()
			if r.clients[p.id] == p {
				r.routes[tid1] = p.id
				r.observeLocked()
			}
			r.mu.Unlock()

			logger.WithField("peer_id", p.id).Info("Route resolved by probe")
			return p, true
		case <-timer.C:
			withdraw()
			metrics.RelayProbes.WithLabelValues("timeout").Inc()
			if owner := r.routed(tid1); owner != nil {
				return owner, true
			}
		case <-r.done:
			timer.Stop()
			withdraw()
			return nil, false
		}
	}
	return nil, false
}

// routed returns the registered client currently recorded for tid1.
func (r *Router) routed(tid1 string) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.routes[tid1]; ok {
		return r.clients[id]
	}
	return nil
}

// sendLocked delivers msg to p and deregisters p if the send fails.
func (r *Router) sendLocked(p *peer, msg *message.Message) {
	if err := p.ch.Send(msg); err != nil {
		metrics.RelayDropped.WithLabelValues("send_failed").Inc()
		r.log.WithFields(logrus.Fields{
			"function": "send",
			"peer_id":  p.id,
			"type":     msg.Type().String(),
			"error":    err.Error(),
		}).Warn("Send failed, dropping peer")
		r.deregisterLocked(p.id)
	}
}

func (r *Router) registryLocked(role transport.Role) map[PeerID]*peer {
	if role == transport.RoleServer {
		return r.servers
	}
	return r.clients
}

func (r *Router) observeLocked() {
	metrics.RelayPeers.WithLabelValues(string(transport.RoleClient)).Set(float64(len(r.clients)))
	metrics.RelayPeers.WithLabelValues(string(transport.RoleServer)).Set(float64(len(r.servers)))
	metrics.RelayRoutes.Set(float64(len(r.routes)))
}
