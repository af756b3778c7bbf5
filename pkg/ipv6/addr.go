package ipv6

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
)

// AddAddress assigns p.Addr() to ifID and joins its solicited-node group.
func (c *Core) AddAddress(ifID int, p netip.Prefix) error {
	ifc, ok := c.ifaces[ifID]
	if !ok {
		return fmt.Errorf("add %s: %w", p, ErrNoInterface)
	}
	if !p.Addr().Is6() || p.Addr().IsMulticast() || p.Addr().IsUnspecified() {
		return fmt.Errorf("add %s: not a unicast IPv6 address", p)
	}
	if ifc.HasAddr(p.Addr()) {
		return nil
	}
	ifc.addrs = append(ifc.addrs, p)
	ifc.groups[SolicitedNode(p.Addr())]++
	slog.Info("ipv6: address added", "interface", ifID, "addr", p)
	return nil
}

// RemoveAddress unassigns a from ifID.
func (c *Core) RemoveAddress(ifID int, a netip.Addr) bool {
	ifc, ok := c.ifaces[ifID]
	if !ok {
		return false
	}
	i := slices.IndexFunc(ifc.addrs, func(p netip.Prefix) bool { return p.Addr() == a })
	if i < 0 {
		return false
	}
	ifc.addrs = slices.Delete(ifc.addrs, i, i+1)
	g := SolicitedNode(a)
	if ifc.groups[g]--; ifc.groups[g] <= 0 {
		delete(ifc.groups, g)
	}
	slog.Info("ipv6: address removed", "interface", ifID, "addr", a)
	return true
}

// JoinGroup subscribes ifID to multicast group g.
func (c *Core) JoinGroup(ifID int, g netip.Addr) {
	if ifc, ok := c.ifaces[ifID]; ok && g.IsMulticast() {
		ifc.groups[g]++
	}
}

// LeaveGroup drops one subscription of ifID to g.
func (c *Core) LeaveGroup(ifID int, g netip.Addr) {
	ifc, ok := c.ifaces[ifID]
	if !ok {
		return
	}
	if ifc.groups[g]--; ifc.groups[g] <= 0 {
		delete(ifc.groups, g)
	}
}

// IsOwnAddress reports whether a is one of our unicast addresses, on ifID
// or, for NoInterface, on any interface.
func (c *Core) IsOwnAddress(ifID int, a netip.Addr) bool {
	if ifID != NoInterface {
		ifc, ok := c.ifaces[ifID]
		return ok && ifc.HasAddr(a)
	}
	for _, ifc := range c.ifaces {
		if ifc.HasAddr(a) {
			return true
		}
	}
	return false
}

// isForUs reports whether dst arriving on ifID is addressed to this node.
// Unicast addresses are accepted on any interface.
func (c *Core) isForUs(ifID int, dst netip.Addr) bool {
	if dst.IsLoopback() {
		return true
	}
	if dst.IsMulticast() {
		ifc, ok := c.ifaces[ifID]
		return ok && ifc.InGroup(dst)
	}
	if Scope(dst) <= ScopeLinkLocal {
		return c.IsOwnAddress(ifID, dst)
	}
	return c.IsOwnAddress(NoInterface, dst)
}

// LinkLocal returns the link-local address of ifID.
func (c *Core) LinkLocal(ifID int) netip.Addr {
	if ifc, ok := c.ifaces[ifID]; ok {
		for _, p := range ifc.addrs {
			if p.Addr().IsLinkLocalUnicast() {
				return p.Addr()
			}
		}
	}
	return netip.Addr{}
}

// SelectSource picks a source address on ifID for dst following the
// RFC 6724 rules that matter here: same address first, then the smallest
// scope not below the destination's, then the longest matching prefix.
func (c *Core) SelectSource(ifID int, dst netip.Addr) netip.Addr {
	ifc, ok := c.ifaces[ifID]
	if !ok {
		return netip.Addr{}
	}
	var best netip.Addr
	bestScope, bestMatch := uint8(0), -1
	want := Scope(dst)
	for _, p := range ifc.addrs {
		a := p.Addr()
		if a == dst {
			return a
		}
		s := Scope(a)
		match := commonPrefixLen(a, dst)
		switch {
		case !best.IsValid():
		case s == bestScope:
			if match <= bestMatch {
				continue
			}
		case bestScope < want:
			if s < bestScope {
				continue
			}
		case s < want || s > bestScope:
			continue
		}
		best, bestScope, bestMatch = a, s, match
	}
	return best
}

func commonPrefixLen(a, b netip.Addr) int {
	x, y := a.As16(), b.As16()
	n := 0
	for i := range x {
		d := x[i] ^ y[i]
		if d == 0 {
			n += 8
			continue
		}
		for d&0x80 == 0 {
			n++
			d <<= 1
		}
		break
	}
	return n
}
