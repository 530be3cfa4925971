// Package client implements the address-requesting side of the lease
// protocol.
//
// An Engine broadcasts DISCOVER, gathers offers for a fixed selection window,
// picks one at random and declines the rest, then holds the leased address
// until it is released, refreshed or left to expire. All transitions,
// including timer callbacks, are serialized by one mutex.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/message"
	"github.com/opd-ai/leasenet/metrics"
	"github.com/opd-ai/leasenet/schedule"
	"github.com/opd-ai/leasenet/transport"
)

// Config holds the client's timing.
type Config struct {
	// Name tags log lines. Optional.
	Name string
	// SelectionWindow is how long offers are collected after DISCOVER.
	SelectionWindow time.Duration
	// LeaseDuration is how long a bound address lives without KEEPALIVE.
	LeaseDuration time.Duration
	// NotNeededSpacing separates consecutive NOT_NEEDED messages. Zero sends
	// them back to back.
	NotNeededSpacing time.Duration
	// Clock drives every timer. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard client timing.
func DefaultConfig() Config {
	return Config{
		SelectionWindow:  5 * time.Second,
		LeaseDuration:    200 * time.Second,
		NotNeededSpacing: 100 * time.Millisecond,
	}
}

// Engine is one client attached to the relay.
type Engine struct {
	cfg   Config
	ch    transport.Channel
	sched *schedule.Scheduler
	log   *logrus.Entry

	mu            sync.Mutex
	state         State
	currentIP     string
	tid1          string
	tid2          string
	leaseStart    time.Time
	leaseDeadline time.Time
	offers        []*message.Message
	selection     *schedule.Event
	lease         *schedule.Event
	declines      []*schedule.Event
	changed       chan struct{}
}

// New creates an Engine that talks to the relay through ch.
func New(ch transport.Channel, cfg Config) (*Engine, error) {
	if ch == nil {
		return nil, errors.New("client: nil channel")
	}
	if cfg.SelectionWindow <= 0 || cfg.LeaseDuration <= 0 {
		return nil, errors.New("client: selection window and lease duration must be positive")
	}
	if cfg.NotNeededSpacing < 0 {
		return nil, errors.New("client: negative not-needed spacing")
	}

	fields := logrus.Fields{"component": "client"}
	if cfg.Name != "" {
		fields["client"] = cfg.Name
	}

	return &Engine{
		cfg:       cfg,
		ch:        ch,
		sched:     schedule.New(cfg.Clock),
		log:       logrus.WithFields(fields),
		state:     StateUnbound,
		currentIP: message.Unassigned,
		changed:   make(chan struct{}),
	}, nil
}

// Run processes inbound messages until the channel fails or ctx is canceled.
// Undecodable messages are dropped.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.ch.Close() })
	defer stop()

	for {
		msg, err := e.ch.Receive()
		if err != nil {
			if errors.Is(err, message.ErrDecode) {
				e.log.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Warn("Dropping undecodable message")
				continue
			}
			e.cancelTimers()
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("client receive: %w", err)
		}
		e.Handle(msg)
	}
}

// Handle applies one inbound message.
func (e *Engine) Handle(msg *message.Message) {
	switch msg.Type() {
	case message.TypeOffer:
		e.onOffer(msg)
	case message.TypeAck:
		e.onAck(msg)
	case message.TypeCloseAck:
		e.onCloseAck(msg)
	case message.TypeTest:
		e.onTest(msg)
	default:
		e.log.WithFields(logrus.Fields{
			"function": "Handle",
			"type":     msg.Type().String(),
		}).Debug("Ignoring message type")
	}
}

// RequestAddress starts a new discovery cycle. It does nothing while an
// address is bound. Calling it during discovery or while waiting for an ACK
// abandons that cycle and starts over. Calling it while a release is still
// unconfirmed gives up on the CLOSEACK: the server may already have reclaimed
// the address and will never answer.
func (e *Engine) RequestAddress() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateBound {
		e.log.WithFields(logrus.Fields{
			"function":   "RequestAddress",
			"state":      e.state.String(),
			"current_ip": e.currentIP,
		}).Info("Already holding an address")
		return nil
	}

	if e.state == StateReleasing {
		e.log.WithFields(logrus.Fields{
			"function":   "RequestAddress",
			"current_ip": e.currentIP,
			"tid2":       e.tid2,
		}).Warn("Abandoning unconfirmed release")
		e.lease.Cancel()
		e.lease = nil
		e.currentIP = message.Unassigned
		e.leaseStart, e.leaseDeadline = time.Time{}, time.Time{}
	}

	e.selection.Cancel()
	e.tid1 = message.NewTID()
	e.tid2 = ""
	e.offers = nil
	e.selection = e.sched.After(e.cfg.SelectionWindow, e.onSelection)
	e.setStateLocked(StateDiscovering)
	metrics.ClientEvents.WithLabelValues("discover").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "RequestAddress",
		"tid1":     e.tid1,
		"window":   e.cfg.SelectionWindow.String(),
	}).Info("Sending DISCOVER")
	return e.sendLocked(message.NewDiscover(e.currentIP, e.tid1))
}

// ReleaseAddress gives the bound address back. The address stays current
// until the server confirms with CLOSEACK. Calling it again while releasing
// resends RELEASE.
func (e *Engine) ReleaseAddress() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked("ReleaseAddress")
}

// RefreshLease sends KEEPALIVE and restarts the full lease period.
func (e *Engine) RefreshLease() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateBound {
		e.log.WithFields(logrus.Fields{
			"function": "RefreshLease",
			"state":    e.state.String(),
		}).Info("No bound address to refresh")
		return nil
	}

	e.armLeaseLocked()
	metrics.ClientEvents.WithLabelValues("keepalive").Inc()

	e.log.WithFields(logrus.Fields{
		"function":   "RefreshLease",
		"current_ip": e.currentIP,
		"deadline":   e.leaseDeadline,
	}).Info("Sending KEEPALIVE")
	return e.sendLocked(message.NewKeepalive(e.currentIP, e.tid1, e.tid2))
}

// Disconnect releases a bound address, stops every timer and closes the
// channel.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.state == StateBound {
		_ = e.releaseLocked("Disconnect")
	}
	e.cancelTimersLocked()
	e.mu.Unlock()

	e.log.WithField("function", "Disconnect").Info("Disconnecting from relay")
	return e.ch.Close()
}

// Status returns a snapshot of the lease state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// WaitFor blocks until cond holds for the current status or ctx ends.
func (e *Engine) WaitFor(ctx context.Context, cond func(Status) bool) (Status, error) {
	for {
		e.mu.Lock()
		st := e.statusLocked()
		changed := e.changed
		e.mu.Unlock()

		if cond(st) {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func (e *Engine) onSelection(ev *schedule.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selection != ev || e.state != StateDiscovering {
		return
	}
	e.selection = nil
	e.selectOfferLocked()
}

// selectOfferLocked closes the selection window: one offer is requested and
// every other one is declined.
func (e *Engine) selectOfferLocked() {
	if len(e.offers) == 0 {
		metrics.ClientEvents.WithLabelValues("no_offers").Inc()
		e.log.WithFields(logrus.Fields{
			"function": "selectOffer",
			"tid1":     e.tid1,
		}).Warn("No offers received")
		e.tid1 = ""
		e.setStateLocked(StateUnbound)
		return
	}

	offers := e.offers
	e.offers = nil
	chosen := rand.IntN(len(offers))
	pick := offers[chosen]
	ip, _ := pick.OfferingIP()
	e.tid2, _ = pick.TID2()
	e.setStateLocked(StateRequesting)

	e.log.WithFields(logrus.Fields{
		"function": "selectOffer",
		"tid1":     e.tid1,
		"tid2":     e.tid2,
		"ip":       ip,
		"offers":   len(offers),
	}).Info("Sending REQUEST")
	_ = e.sendLocked(message.NewRequest(e.currentIP, e.tid1, e.tid2, ip))

	n := 0
	for i, off := range offers {
		if i == chosen {
			continue
		}
		n++
		e.declineLocked(off, time.Duration(n)*e.cfg.NotNeededSpacing)
	}
}

// declineLocked sends NOT_NEEDED for off after delay.
func (e *Engine) declineLocked(off *message.Message, delay time.Duration) {
	tid2, _ := off.TID2()
	ip, _ := off.OfferingIP()
	nn := message.NewNotNeeded(e.currentIP, off.TID1(), tid2, ip)

	if delay <= 0 {
		_ = e.sendLocked(nn)
		return
	}
	e.declines = append(e.declines, e.sched.After(delay, func(ev *schedule.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, d := range e.declines {
			if d == ev {
				e.declines = append(e.declines[:i], e.declines[i+1:]...)
				break
			}
		}
		_ = e.sendLocked(nn)
	}))
}

func (e *Engine) onOffer(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tid1 == "" || msg.TID1() != e.tid1 {
		return
	}
	tid2, ok := msg.TID2()
	if !ok {
		return
	}
	if _, ok := msg.OfferingIP(); !ok {
		return
	}

	switch e.state {
	case StateDiscovering:
		e.offers = append(e.offers, msg)
		e.log.WithFields(logrus.Fields{
			"function": "onOffer",
			"tid2":     tid2,
			"offers":   len(e.offers),
		}).Info("Offer received")
	case StateRequesting, StateBound, StateReleasing:
		if tid2 == e.tid2 {
			return
		}
		e.log.WithFields(logrus.Fields{
			"function": "onOffer",
			"tid2":     tid2,
		}).Info("Declining late offer")
		e.declineLocked(msg, 0)
	}
}

func (e *Engine) onAck(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRequesting || !e.ownsLocked(msg) {
		return
	}
	ip, ok := msg.OfferingIP()
	if !ok {
		return
	}

	e.currentIP = ip
	e.leaseStart = e.sched.Now()
	e.armLeaseLocked()
	e.setStateLocked(StateBound)
	metrics.ClientEvents.WithLabelValues("bound").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onAck",
		"ip":       ip,
		"lease":    e.cfg.LeaseDuration.String(),
	}).Info("Address bound")
}

func (e *Engine) onCloseAck(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tid1 == "" || e.tid2 == "" || !e.ownsLocked(msg) {
		return
	}

	if !e.leaseStart.IsZero() {
		metrics.LeaseDuration.Observe(e.sched.Now().Sub(e.leaseStart).Seconds())
	}
	metrics.ClientEvents.WithLabelValues("released").Inc()
	e.log.WithFields(logrus.Fields{
		"function": "onCloseAck",
		"ip":       e.currentIP,
	}).Info("Release confirmed")

	e.lease.Cancel()
	e.lease = nil
	e.currentIP = message.Unassigned
	e.tid1, e.tid2 = "", ""
	e.leaseStart, e.leaseDeadline = time.Time{}, time.Time{}
	e.setStateLocked(StateUnbound)
}

func (e *Engine) onTest(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tid1 == "" || msg.TID1() != e.tid1 {
		return
	}
	e.log.WithFields(logrus.Fields{
		"function": "onTest",
		"tid1":     msg.TID1(),
	}).Debug("Echoing route probe")
	_ = e.sendLocked(msg)
}

func (e *Engine) onLeaseExpired(ev *schedule.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lease != ev {
		return
	}
	e.lease = nil
	metrics.ClientEvents.WithLabelValues("expired").Inc()
	e.log.WithFields(logrus.Fields{
		"function": "onLeaseExpired",
		"ip":       e.currentIP,
	}).Warn("Lease expired")
	_ = e.releaseLocked("onLeaseExpired")
}

func (e *Engine) releaseLocked(caller string) error {
	if e.state != StateBound && e.state != StateReleasing {
		e.log.WithFields(logrus.Fields{
			"function": caller,
			"state":    e.state.String(),
		}).Info("No bound address to release")
		return nil
	}

	e.lease.Cancel()
	e.lease = nil
	e.setStateLocked(StateReleasing)
	metrics.ClientEvents.WithLabelValues("release").Inc()

	e.log.WithFields(logrus.Fields{
		"function": caller,
		"ip":       e.currentIP,
		"tid2":     e.tid2,
	}).Info("Sending RELEASE")
	return e.sendLocked(message.NewRelease(e.currentIP, e.tid1, e.tid2))
}

func (e *Engine) armLeaseLocked() {
	e.lease.Cancel()
	e.lease = e.sched.After(e.cfg.LeaseDuration, e.onLeaseExpired)
	e.leaseDeadline = e.lease.Deadline()
}

func (e *Engine) ownsLocked(msg *message.Message) bool {
	tid2, ok := msg.TID2()
	return ok && msg.TID1() == e.tid1 && tid2 == e.tid2
}

func (e *Engine) cancelTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimersLocked()
}

func (e *Engine) cancelTimersLocked() {
	e.selection.Cancel()
	e.selection = nil
	e.lease.Cancel()
	e.lease = nil
	for _, d := range e.declines {
		d.Cancel()
	}
	e.declines = nil
}

func (e *Engine) setStateLocked(s State) {
	if s != e.state {
		e.log.WithFields(logrus.Fields{
			"from": e.state.String(),
			"to":   s.String(),
		}).Debug("State transition")
	}
	e.state = s
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) statusLocked() Status {
	st := Status{
		State:         e.state,
		CurrentIP:     e.currentIP,
		TID1:          e.tid1,
		TID2:          e.tid2,
		LeaseStart:    e.leaseStart,
		PendingOffers: len(e.offers),
	}
	if e.lease != nil {
		if rem := e.leaseDeadline.Sub(e.sched.Now()); rem > 0 {
			st.LeaseRemaining = rem
		}
	}
	return st
}

func (e *Engine) sendLocked(msg *message.Message) error {
	if err := e.ch.Send(msg); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "send",
			"type":     msg.Type().String(),
			"error":    err.Error(),
		}).Error("Failed to send to relay")
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}
