// Package pool owns the finite sets of externally reachable ports and
// private subnets handed to instances. All pool state lives behind a
// single mutex so concurrent creates never receive the same resource.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhausted = errors.New("port_pool_exhausted")

type PortPool struct {
	mu        sync.Mutex
	lo, hi    int
	available map[int]struct{}
	issued    map[int]struct{}
}

func NewPortPool(lo, hi int) (*PortPool, error) {
	p := &PortPool{}
	if err := p.Reinitialize(lo, hi); err != nil {
		return nil, err
	}
	return p, nil
}

// Reinitialize rebuilds the available set from the configured range.
// Ports currently issued stay issued and are withheld from the rebuilt
// available set, so a refresh can never double-issue a live port.
func (p *PortPool) Reinitialize(lo, hi int) error {
	if lo <= 0 || hi < lo {
		return fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lo, p.hi = lo, hi
	if p.issued == nil {
		p.issued = map[int]struct{}{}
	}
	p.available = make(map[int]struct{}, hi-lo+1)
	for port := lo; port <= hi; port++ {
		if _, held := p.issued[port]; held {
			continue
		}
		p.available[port] = struct{}{}
	}
	return nil
}

// Acquire removes one port from the available set and marks it issued.
// On exhaustion the caller sees ErrExhausted; there is no silent reuse.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := range p.available {
		delete(p.available, port)
		p.issued[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Withhold marks a port as issued regardless of the available set. Used
// on startup to reserve ports that restored instances already hold.
func (p *PortPool) Withhold(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.available, port)
	p.issued[port] = struct{}{}
}

// Release returns a port to the available set. Releasing a port that is
// not issued, or is outside the configured range, is a no-op: crash-retry
// paths may release the same port twice.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.issued[port]; !held {
		return
	}
	delete(p.issued, port)
	if port >= p.lo && port <= p.hi {
		p.available[port] = struct{}{}
	}
}

// Stats reports the current set sizes.
func (p *PortPool) Stats() (available, issued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.issued)
}
