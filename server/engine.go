// Package server implements the address-issuing side of the lease protocol.
//
// An Engine owns one address pool and the transaction table that ties each
// outstanding offer or lease (keyed by the server-generated tid2) to the
// client's tid1 and the address. Every request arrives by broadcast, so an
// Engine ignores any REQUEST, NOT_NEEDED, RELEASE or KEEPALIVE whose tid2 it
// did not issue.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/leasenet/message"
	"github.com/opd-ai/leasenet/metrics"
	"github.com/opd-ai/leasenet/schedule"
	"github.com/opd-ai/leasenet/transport"
)

// Config holds the server's identity and timing.
type Config struct {
	// ID selects the third octet of every address in the pool.
	ID int
	// Base is the first two octets of the pool, for example "192.168".
	Base string
	// OfferHold is how long an offered address stays held without a REQUEST.
	OfferHold time.Duration
	// LeaseHold is how long an acknowledged or refreshed lease stays held.
	LeaseHold time.Duration
	// SweepInterval is the period of the reclaim sweep.
	SweepInterval time.Duration
	// Clock drives deadlines and the sweep. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard timing for server id.
func DefaultConfig(id int) Config {
	return Config{
		ID:            id,
		Base:          "192.168",
		OfferHold:     210 * time.Second,
		LeaseHold:     200 * time.Second,
		SweepInterval: time.Second,
	}
}

// transaction is one outstanding offer or lease.
type transaction struct {
	tid1 string
	ip   string
}

// Lease describes a held address for status displays.
type Lease struct {
	IP       string
	TID1     string
	TID2     string
	Deadline time.Time
}

// Engine is one address-issuing server attached to the relay.
type Engine struct {
	cfg   Config
	ch    transport.Channel
	sched *schedule.Scheduler
	log   *logrus.Entry
	label string

	mu           sync.Mutex
	pool         *Pool
	transactions map[string]*transaction
	sweeper      *schedule.Ticker
}

// New creates an Engine that talks to the relay through ch.
func New(ch transport.Channel, cfg Config) (*Engine, error) {
	if ch == nil {
		return nil, errors.New("server: nil channel")
	}
	if cfg.OfferHold <= 0 || cfg.LeaseHold <= 0 || cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("server: hold times and sweep interval must be positive")
	}

	pool, err := NewPool(cfg.Base, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		ch:           ch,
		sched:        schedule.New(cfg.Clock),
		label:        strconv.Itoa(cfg.ID),
		pool:         pool,
		transactions: make(map[string]*transaction),
	}
	e.log = logrus.WithFields(logrus.Fields{
		"component": "server",
		"server_id": cfg.ID,
	})
	e.observeLocked()

	e.log.WithFields(logrus.Fields{
		"function": "New",
		"first":    fmt.Sprintf("%s.%d.%d", cfg.Base, cfg.ID, firstHost),
		"last":     fmt.Sprintf("%s.%d.%d", cfg.Base, cfg.ID, lastHost),
	}).Info("Address pool initialized")

	return e, nil
}

// ID returns the server's identity.
func (e *Engine) ID() int { return e.cfg.ID }

// Run starts the reclaim sweep and processes inbound messages until the
// channel fails or ctx is canceled. Undecodable messages are dropped.
func (e *Engine) Run(ctx context.Context) error {
	e.StartSweep()
	defer e.StopSweep()

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
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server %d receive: %w", e.cfg.ID, err)
		}
		e.Handle(msg)
	}
}

// StartSweep begins the periodic reclaim sweep. Calling it twice is a no-op.
func (e *Engine) StartSweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweeper != nil {
		return
	}
	e.sweeper = e.sched.Every(e.cfg.SweepInterval, e.ReclaimSweep)
}

// StopSweep stops the periodic reclaim sweep.
func (e *Engine) StopSweep() {
	e.mu.Lock()
	t := e.sweeper
	e.sweeper = nil
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Handle applies one inbound message to the pool.
func (e *Engine) Handle(msg *message.Message) {
	switch msg.Type() {
	case message.TypeDiscover:
		e.onDiscover(msg)
	case message.TypeRequest:
		e.onRequest(msg)
	case message.TypeNotNeeded:
		e.onNotNeeded(msg)
	case message.TypeRelease:
		e.onRelease(msg)
	case message.TypeKeepalive:
		e.onKeepalive(msg)
	default:
		e.log.WithFields(logrus.Fields{
			"function": "Handle",
			"type":     msg.Type().String(),
		}).Debug("Ignoring message type")
	}
}

func (e *Engine) onDiscover(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ip, err := e.pool.Take(e.sched.Now().Add(e.cfg.OfferHold))
	if err != nil {
		metrics.ServerEvents.WithLabelValues(e.label, "exhausted").Inc()
		e.log.WithFields(logrus.Fields{
			"function": "onDiscover",
			"tid1":     msg.TID1(),
			"error":    err.Error(),
		}).Warn("No address to offer")
		return
	}

	tid2 := message.NewTID()
	for e.transactions[tid2] != nil {
		tid2 = message.NewTID()
	}
	e.transactions[tid2] = &transaction{tid1: msg.TID1(), ip: ip}
	e.observeLocked()
	metrics.ServerEvents.WithLabelValues(e.label, "offer").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onDiscover",
		"tid1":     msg.TID1(),
		"tid2":     tid2,
		"ip":       ip,
	}).Info("Sending OFFER")
	e.sendLocked(message.NewOffer(msg.CurrentIP(), msg.TID1(), tid2, ip))
}

func (e *Engine) onRequest(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid2, tx := e.lookupLocked(msg)
	if tx == nil {
		return
	}

	e.pool.Extend(tx.ip, e.sched.Now().Add(e.cfg.LeaseHold))
	metrics.ServerEvents.WithLabelValues(e.label, "ack").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onRequest",
		"tid1":     tx.tid1,
		"tid2":     tid2,
		"ip":       tx.ip,
	}).Info("Sending ACK")
	e.sendLocked(message.NewAck(msg.CurrentIP(), tx.tid1, tid2, tx.ip))
}

func (e *Engine) onNotNeeded(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid2, tx := e.lookupLocked(msg)
	if tx == nil {
		return
	}

	e.dropLocked(tid2, tx)
	metrics.ServerEvents.WithLabelValues(e.label, "not_needed").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onNotNeeded",
		"tid2":     tid2,
		"ip":       tx.ip,
	}).Info("Returned declined address to pool")
}

func (e *Engine) onRelease(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid2, tx := e.lookupLocked(msg)
	if tx == nil {
		return
	}

	e.dropLocked(tid2, tx)
	metrics.ServerEvents.WithLabelValues(e.label, "release").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onRelease",
		"tid1":     tx.tid1,
		"tid2":     tid2,
		"ip":       tx.ip,
	}).Info("Released address, sending CLOSEACK")
	e.sendLocked(message.NewCloseAck(msg.CurrentIP(), tx.tid1, tid2))
}

func (e *Engine) onKeepalive(msg *message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tid2, tx := e.lookupLocked(msg)
	if tx == nil {
		return
	}

	e.pool.Extend(tx.ip, e.sched.Now().Add(e.cfg.LeaseHold))
	metrics.ServerEvents.WithLabelValues(e.label, "keepalive").Inc()

	e.log.WithFields(logrus.Fields{
		"function": "onKeepalive",
		"tid2":     tid2,
		"ip":       tx.ip,
	}).Debug("Lease refreshed")
}

// ReclaimSweep returns every address whose hold has lapsed to the pool and
// forgets its transaction. No message is sent.
func (e *Engine) ReclaimSweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	expired := e.pool.Expired(e.sched.Now())
	if len(expired) == 0 {
		return
	}

	byIP := make(map[string]string, len(e.transactions))
	for tid2, tx := range e.transactions {
		byIP[tx.ip] = tid2
	}

	for _, ip := range expired {
		e.pool.Return(ip)
		if tid2, ok := byIP[ip]; ok {
			delete(e.transactions, tid2)
		}
		metrics.ServerEvents.WithLabelValues(e.label, "reclaim").Inc()
		e.log.WithFields(logrus.Fields{
			"function": "ReclaimSweep",
			"ip":       ip,
		}).Info("Reclaimed expired address")
	}
	e.observeLocked()
}

// Available returns the addresses that can still be offered, in offer order.
func (e *Engine) Available() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Available()
}

// Held returns every offered or leased address, sorted by address.
func (e *Engine) Held() []Lease {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Lease, 0, len(e.transactions))
	for tid2, tx := range e.transactions {
		deadline, _ := e.pool.Deadline(tx.ip)
		out = append(out, Lease{IP: tx.ip, TID1: tx.tid1, TID2: tid2, Deadline: deadline})
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := netip.ParseAddr(out[i].IP)
		b, errB := netip.ParseAddr(out[j].IP)
		if errA != nil || errB != nil {
			return out[i].IP < out[j].IP
		}
		return a.Less(b)
	})
	return out
}

// Close stops the sweep and disconnects from the relay.
func (e *Engine) Close() error {
	e.StopSweep()
	e.log.WithField("function", "Close").Info("Disconnecting from relay")
	return e.ch.Close()
}

// lookupLocked returns the transaction owned by msg's tid2, or nil when this
// server did not issue it.
func (e *Engine) lookupLocked(msg *message.Message) (string, *transaction) {
	tid2, ok := msg.TID2()
	if !ok {
		return "", nil
	}
	tx := e.transactions[tid2]
	if tx == nil {
		e.log.WithFields(logrus.Fields{
			"function": "lookupLocked",
			"type":     msg.Type().String(),
			"tid2":     tid2,
		}).Debug("Not our transaction")
	}
	return tid2, tx
}

func (e *Engine) dropLocked(tid2 string, tx *transaction) {
	e.pool.Return(tx.ip)
	delete(e.transactions, tid2)
	e.observeLocked()
}

func (e *Engine) sendLocked(msg *message.Message) {
	if err := e.ch.Send(msg); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "sendLocked",
			"type":     msg.Type().String(),
			"error":    err.Error(),
		}).Error("Failed to send to relay")
	}
}

func (e *Engine) observeLocked() {
	metrics.ServerAvailable.WithLabelValues(e.label).Set(float64(e.pool.AvailableCount()))
	metrics.ServerHeld.WithLabelValues(e.label).Set(float64(e.pool.HeldCount()))
}
