package server

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"
)

// ErrPoolExhausted is returned by Take when every address is held.
var ErrPoolExhausted = errors.New("address pool exhausted")

const (
	firstHost = 2
	lastHost  = 254
)

// Pool partitions a server's addresses into an ordered available queue and a
// held set keyed by address with its reclaim deadline. Every address is in
// exactly one of the two. Pool is not safe for concurrent use; the Engine
// serializes access.
type Pool struct {
	available []string
	held      map[string]time.Time
}

// NewPool builds the pool <base>.<id>.2 .. <base>.<id>.254. base is the first
// two octets, for example "192.168".
func NewPool(base string, id int) (*Pool, error) {
	if id < 0 || id > 255 {
		return nil, fmt.Errorf("server id %d out of range 0-255", id)
	}
	if _, err := netip.ParseAddr(fmt.Sprintf("%s.%d.0", base, id)); err != nil {
		return nil, fmt.Errorf("invalid address base %q: %w", base, err)
	}

	p := &Pool{
		available: make([]string, 0, lastHost-firstHost+1),
		held:      make(map[string]time.Time),
	}
	for host := firstHost; host <= lastHost; host++ {
		p.available = append(p.available, fmt.Sprintf("%s.%d.%d", base, id, host))
	}
	return p, nil
}

// Take removes the oldest available address and holds it until deadline.
func (p *Pool) Take(deadline time.Time) (string, error) {
	if len(p.available) == 0 {
		return "", ErrPoolExhausted
	}
	ip := p.available[0]
	p.available = p.available[1:]
	p.held[ip] = deadline
	return ip, nil
}

// Extend moves a held address's deadline. Unknown addresses are ignored.
func (p *Pool) Extend(ip string, deadline time.Time) bool {
	if _, ok := p.held[ip]; !ok {
		return false
	}
	p.held[ip] = deadline
	return true
}

// Return puts a held address back at the tail of the available queue.
func (p *Pool) Return(ip string) bool {
	if _, ok := p.held[ip]; !ok {
		return false
	}
	delete(p.held, ip)
	p.available = append(p.available, ip)
	return true
}

// Expired lists held addresses whose deadline is not after now, oldest
// deadline first.
func (p *Pool) Expired(now time.Time) []string {
	var out []string
	for ip, deadline := range p.held {
		if !deadline.After(now) {
			out = append(out, ip)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := p.held[out[i]], p.held[out[j]]
		if di.Equal(dj) {
			return out[i] < out[j]
		}
		return di.Before(dj)
	})
	return out
}

// Deadline reports when a held address is reclaimed.
func (p *Pool) Deadline(ip string) (time.Time, bool) {
	d, ok := p.held[ip]
	return d, ok
}

// IsHeld reports whether ip is currently offered or leased.
func (p *Pool) IsHeld(ip string) bool {
	_, ok := p.held[ip]
	return ok
}

// Available returns a copy of the available queue in offer order.
func (p *Pool) Available() []string {
	out := make([]string, len(p.available))
	copy(out, p.available)
	return out
}

// AvailableCount returns the number of addresses that can still be offered.
func (p *Pool) AvailableCount() int { return len(p.available) }

// HeldCount returns the number of offered or leased addresses.
func (p *Pool) HeldCount() int { return len(p.held) }
