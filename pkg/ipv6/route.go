package ipv6

import (
	"log/slog"
	"net/netip"

	"github.com/psaab/lowpand/pkg/rib"
)

// RouteTo picks the outgoing interface, next hop and path MTU for dst.
// ifID is the zone for scoped destinations, or NoInterface. A valid
// nextHop forces the first hop out of ifID. pred, if set, filters the
// candidate routes.
func (c *Core) RouteTo(dst netip.Addr, ifID int, nextHop netip.Addr, pred rib.Predicate) (*RouteInfo, error) {
	if ifID != NoInterface {
		if _, ok := c.ifaces[ifID]; !ok {
			return nil, ErrNoInterface
		}
	}
	zone := rib.AnyInterface
	if ifID != NoInterface {
		zone = ifID
	} else if rib.Scoped(dst) {
		// A scoped destination without a zone is only unambiguous on a
		// single-interface node.
		if len(c.ifaces) != 1 {
			return nil, ErrNoRoute
		}
		for id := range c.ifaces {
			zone = id
		}
	}

	d := c.dests.LookupOrCreate(dst, zone)
	var (
		r   *rib.Route
		out = rib.AnyInterface
		nh  netip.Addr
		src = rib.SourceStatic
	)
	switch {
	case nextHop.IsValid():
		if zone == rib.AnyInterface {
			return nil, ErrNoRoute
		}
		out, nh = zone, nextHop
	case d.Redirect.IsValid() && (zone == rib.AnyInterface || d.RedirectIf == zone):
		out, nh = d.RedirectIf, d.Redirect
	case dst.IsMulticast():
		// Groups are always on-link; the route only picks the interface.
		if r = c.routes.ChooseNextHop(dst, zone, pred); r != nil {
			out, src = r.IfID, r.Source
		} else {
			out = zone
		}
		nh = dst
	default:
		lookupIf := rib.AnyInterface
		if Scope(dst) <= ScopeRealmLocal {
			lookupIf = zone
		}
		r = c.routes.ChooseNextHop(dst, lookupIf, pred)
		switch {
		case r != nil:
			out, src = r.IfID, r.Source
			nh = r.NextHop
			if r.OnLink() {
				nh = dst
			}
		case dst.IsLinkLocalUnicast() && zone != rib.AnyInterface:
			out, nh, src = zone, dst, rib.SourceOnLink
		}
	}

	ifc, ok := c.ifaces[out]
	if !ok {
		return nil, ErrNoRoute
	}
	var routeMTU uint32
	if r != nil {
		routeMTU = r.PMTU
	}
	d.SetRoute(r)
	pmtu := d.ClampPMTU(ifc.MTU, routeMTU)
	d.LastNeighbor = nh
	return &RouteInfo{
		IfID:    out,
		NextHop: nh,
		PMTU:    pmtu,
		Source:  src,
		Forced:  nextHop.IsValid(),
		version: c.routes.Version(),
	}, nil
}

// UpdatePMTU applies a Packet Too Big report for dst. Values below the
// IPv6 minimum are kept; they make later packets carry a Fragment header.
func (c *Core) UpdatePMTU(dst netip.Addr, ifID int, mtu uint32) {
	zone := rib.AnyInterface
	if rib.Scoped(dst) && ifID != NoInterface {
		zone = ifID
	}
	d := c.dests.Lookup(dst, zone)
	if d == nil {
		return
	}
	if d.ReducePMTU(mtu) {
		slog.Info("ipv6: path MTU reduced", "dst", dst, "mtu", mtu)
	}
}

// Redirect records a next hop learned from an ICMPv6 Redirect.
func (c *Core) Redirect(dst netip.Addr, ifID int, target netip.Addr) {
	zone := rib.AnyInterface
	if rib.Scoped(dst) {
		zone = ifID
	}
	d := c.dests.LookupOrCreate(dst, zone)
	d.Redirect, d.RedirectIf = target, ifID
}
