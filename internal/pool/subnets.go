package pool

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var ErrSubnetsExhausted = errors.New("subnet_pool_exhausted")

// SubnetPool carves isolated /24 subnets for per-owner networks out of a
// configured block. Subnets are keyed by the name they were issued for,
// so repeated requests for the same network come back with the same range.
type SubnetPool struct {
	mu     sync.Mutex
	base   netip.Prefix
	next   int
	limit  int
	free   []netip.Prefix
	byName map[string]netip.Prefix
}

func NewSubnetPool(cidr string) (*SubnetPool, error) {
	base, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse subnet cidr: %w", err)
	}
	if !base.Addr().Is4() || base.Bits() > 24 {
		return nil, fmt.Errorf("subnet cidr must be an IPv4 block of /24 or wider: %s", cidr)
	}
	return &SubnetPool{
		base:   base.Masked(),
		limit:  1 << (24 - base.Bits()),
		byName: map[string]netip.Prefix{},
	}, nil
}

// Acquire reserves a /24 for name, returning the previously issued subnet
// when one exists.
func (p *SubnetPool) Acquire(name string) (netip.Prefix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.byName[name]; ok {
		return sub, nil
	}
	if n := len(p.free); n > 0 {
		sub := p.free[n-1]
		p.free = p.free[:n-1]
		p.byName[name] = sub
		return sub, nil
	}
	if p.next >= p.limit {
		return netip.Prefix{}, ErrSubnetsExhausted
	}
	a4 := p.base.Addr().As4()
	idx := p.next
	a4[1] += byte(idx >> 8)
	a4[2] = byte(idx)
	p.next++
	sub := netip.PrefixFrom(netip.AddrFrom4(a4), 24)
	p.byName[name] = sub
	return sub, nil
}

// Release returns name's /24 to the free list for a later owner.
// Releasing an unknown name is a no-op.
func (p *SubnetPool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.byName[name]
	if !ok {
		return
	}
	delete(p.byName, name)
	p.free = append(p.free, sub)
}

// Stats reports reserved subnets and how many more can be issued.
func (p *SubnetPool) Stats() (reserved, remaining int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byName), len(p.free) + (p.limit - p.next)
}
