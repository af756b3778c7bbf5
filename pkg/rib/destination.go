package rib

import (
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MinIPv6MTU is the IPv6 minimum link MTU (RFC 8200 section 5).
const MinIPv6MTU = 1280

// Destination is a destination cache entry.
type Destination struct {
	Addr netip.Addr
	// IfID is the zone for scoped destinations, AnyInterface otherwise.
	IfID int
	// PMTU is the path MTU in effect, 0 until first computed. It only
	// shrinks until the route changes.
	PMTU uint32
	// LastNeighbor is the next hop most recently used.
	LastNeighbor netip.Addr
	// Redirect holds a next hop learned from an ICMPv6 Redirect.
	Redirect   netip.Addr
	RedirectIf int

	route *Route
}

// Route returns the route last chosen for this destination.
func (d *Destination) Route() *Route { return d.route }

// SetRoute records the chosen route. A different route invalidates the
// remembered path MTU; the same route reinstalled, as on every RA refresh,
// keeps it.
func (d *Destination) SetRoute(r *Route) {
	switch {
	case d.route == r:
		return
	case d.route == nil || r == nil || !d.route.same(r):
		d.PMTU = 0
	}
	d.route = r
}

// ClampPMTU combines the remembered path MTU, the link MTU and the route's
// MTU, keeping the smallest, and stores it.
func (d *Destination) ClampPMTU(linkMTU, routeMTU uint32) uint32 {
	m := linkMTU
	if routeMTU != 0 && routeMTU < m {
		m = routeMTU
	}
	if d.PMTU != 0 && d.PMTU < m {
		m = d.PMTU
	}
	d.PMTU = m
	return m
}

// ReducePMTU applies a Packet Too Big report. It reports whether the
// stored value changed.
func (d *Destination) ReducePMTU(mtu uint32) bool {
	if d.PMTU != 0 && mtu >= d.PMTU {
		return false
	}
	d.PMTU = mtu
	return true
}

type destKey struct {
	addr netip.Addr
	ifID int
}

// DestCache maps destinations to their cache entries. Entries that are not
// looked up for the idle timeout are dropped.
type DestCache struct {
	c *ttlcache.Cache[destKey, *Destination]
}

// DefaultDestIdle is how long an unused destination stays cached.
const DefaultDestIdle = 10 * time.Minute

// NewDestCache returns a cache bounded to capacity entries.
func NewDestCache(capacity uint64, idle time.Duration) *DestCache {
	if idle <= 0 {
		idle = DefaultDestIdle
	}
	return &DestCache{
		c: ttlcache.New[destKey, *Destination](
			ttlcache.WithTTL[destKey, *Destination](idle),
			ttlcache.WithCapacity[destKey, *Destination](capacity),
		),
	}
}

// Scoped reports whether addr needs a zone (RFC 4007): link-local unicast
// and multicast at or below link-local scope.
func Scoped(addr netip.Addr) bool {
	if addr.IsLinkLocalUnicast() || addr.IsLoopback() {
		return true
	}
	if addr.IsMulticast() {
		return MulticastScope(addr) <= 2
	}
	return false
}

// MulticastScope returns the scope nibble of a multicast address.
func MulticastScope(addr netip.Addr) uint8 {
	return addr.As16()[1] & 0x0f
}

func key(addr netip.Addr, ifID int) destKey {
	if !Scoped(addr) {
		ifID = AnyInterface
	}
	return destKey{addr.WithZone(""), ifID}
}

// Lookup returns the entry for addr in zone ifID, or nil.
func (c *DestCache) Lookup(addr netip.Addr, ifID int) *Destination {
	if it := c.c.Get(key(addr, ifID)); it != nil {
		return it.Value()
	}
	return nil
}

// LookupOrCreate returns the entry for addr, creating it.
func (c *DestCache) LookupOrCreate(addr netip.Addr, ifID int) *Destination {
	k := key(addr, ifID)
	if it := c.c.Get(k); it != nil {
		return it.Value()
	}
	d := &Destination{Addr: k.addr, IfID: k.ifID}
	c.c.Set(k, d, ttlcache.DefaultTTL)
	return d
}

// Delete drops addr from the cache.
func (c *DestCache) Delete(addr netip.Addr, ifID int) {
	c.c.Delete(key(addr, ifID))
}

// Expire drops idle entries.
func (c *DestCache) Expire() {
	c.c.DeleteExpired()
}

// RemoveInterface drops every entry whose route or zone is ifID.
func (c *DestCache) RemoveInterface(ifID int) {
	for k, it := range c.c.Items() {
		d := it.Value()
		if k.ifID == ifID || (d.route != nil && d.route.IfID == ifID) {
			c.c.Delete(k)
		}
	}
}

// Len returns the number of cached destinations.
func (c *DestCache) Len() int { return c.c.Len() }
