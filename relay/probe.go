package relay

import "sync"

type probeKey struct {
	peer PeerID
	tid1 string
}

// probes tracks outstanding route probes. It has its own lock so that a
// client's receive loop can hand over an echo while a probe is waiting
// without touching the Router lock. Several server replies for one unrouted
// tid1 probe the same client concurrently, so a key holds every waiter and
// one echo satisfies all of them.
type probes struct {
	mu      sync.Mutex
	waiters map[probeKey][]chan struct{}
}

func newProbes() *probes {
	return &probes{waiters: make(map[probeKey][]chan struct{})}
}

// expect registers interest in an echo and returns the channel closed when
// it arrives along with a function that withdraws the registration.
func (p *probes) expect(key probeKey) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters[key] = append(p.waiters[key], ch)
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.waiters[key]
		for i, w := range list {
			if w == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(p.waiters, key)
		} else {
			p.waiters[key] = list
		}
	}
}

// deliver signals every waiter for key and reports whether there was one.
func (p *probes) deliver(key probeKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, ok := p.waiters[key]
	if !ok {
		return false
	}
	delete(p.waiters, key)
	for _, ch := range list {
		close(ch)
	}
	return true
}
