// Package rib holds the IPv6 routing table and destination cache.
package rib

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/gaissmai/bart"
)

// Source identifies who installed a route.
type Source uint8

const (
	SourceStatic Source = iota
	SourceLoopback
	SourceOnLink     // prefix information with the L flag
	SourceRouterAdv  // default router from an RA
	SourceRouteInfo  // route information option
	SourceBorderRouter
	SourceMulticast
)

func (s Source) String() string {
	switch s {
	case SourceStatic:
		return "static"
	case SourceLoopback:
		return "loopback"
	case SourceOnLink:
		return "on-link"
	case SourceRouterAdv:
		return "router-adv"
	case SourceRouteInfo:
		return "route-info"
	case SourceBorderRouter:
		return "border-router"
	case SourceMulticast:
		return "multicast"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// InfiniteLifetime marks a route that never expires.
const InfiniteLifetime = ^uint32(0)

// Route is one routing table entry.
type Route struct {
	Prefix netip.Prefix
	// NextHop is invalid for on-link routes.
	NextHop  netip.Addr
	IfID     int
	Source   Source
	Metric   uint8
	PMTU     uint32 // 0 when the route carries no MTU
	Lifetime uint32 // seconds, 0 or InfiniteLifetime for none
}

// OnLink reports whether the destination is directly reachable.
func (r *Route) OnLink() bool { return !r.NextHop.IsValid() }

func (r *Route) String() string {
	via := "on-link"
	if r.NextHop.IsValid() {
		via = "via " + r.NextHop.String()
	}
	return fmt.Sprintf("%s %s if %d (%s)", r.Prefix, via, r.IfID, r.Source)
}

func (r *Route) same(o *Route) bool {
	return r.Prefix == o.Prefix && r.NextHop == o.NextHop && r.IfID == o.IfID && r.Source == o.Source
}

// Predicate filters candidate routes.
type Predicate func(*Route) bool

// AnyInterface matches every interface in ChooseNextHop.
const AnyInterface = -1

// Table is the routing table. It is not safe for concurrent use.
type Table struct {
	t        bart.Table[[]*Route]
	prefixes map[netip.Prefix]struct{}
	version  uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{prefixes: make(map[netip.Prefix]struct{})}
}

// Version changes whenever the table is modified.
func (t *Table) Version() uint64 { return t.version }

// Add installs r, replacing an entry with the same prefix, next hop,
// interface and source.
func (t *Table) Add(r *Route) {
	r.Prefix = r.Prefix.Masked()
	routes, _ := t.t.Get(r.Prefix)
	routes = slices.DeleteFunc(slices.Clone(routes), r.same)
	routes = append(routes, r)
	slices.SortStableFunc(routes, func(a, b *Route) int { return int(a.Metric) - int(b.Metric) })
	t.t.Insert(r.Prefix, routes)
	t.prefixes[r.Prefix] = struct{}{}
	t.version++
}

// Delete removes routes under prefix that match pred. It returns how many
// were removed.
func (t *Table) Delete(prefix netip.Prefix, pred Predicate) int {
	prefix = prefix.Masked()
	routes, ok := t.t.Get(prefix)
	if !ok {
		return 0
	}
	keep := slices.DeleteFunc(slices.Clone(routes), func(r *Route) bool {
		return pred == nil || pred(r)
	})
	n := len(routes) - len(keep)
	if n == 0 {
		return 0
	}
	if len(keep) == 0 {
		t.t.Delete(prefix)
		delete(t.prefixes, prefix)
	} else {
		t.t.Insert(prefix, keep)
	}
	t.version++
	return n
}

// DeleteRoute removes the entry equal to r.
func (t *Table) DeleteRoute(r *Route) bool {
	return t.Delete(r.Prefix, r.same) > 0
}

// RemoveWhere removes every route matching pred across all prefixes.
func (t *Table) RemoveWhere(pred Predicate) int {
	n := 0
	for p := range t.prefixes {
		n += t.Delete(p, pred)
	}
	return n
}

// RemoveInterface removes every route out of ifID.
func (t *Table) RemoveInterface(ifID int) int {
	n := t.RemoveWhere(func(r *Route) bool { return r.IfID == ifID })
	if n > 0 {
		slog.Debug("rib: interface routes removed", "interface", ifID, "count", n)
	}
	return n
}

// Routes returns every route, ordered by prefix.
func (t *Table) Routes() []*Route {
	var out []*Route
	for p := range t.prefixes {
		routes, _ := t.t.Get(p)
		out = append(out, routes...)
	}
	slices.SortFunc(out, func(a, b *Route) int {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return a.Prefix.Bits() - b.Prefix.Bits()
	})
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	n := 0
	for p := range t.prefixes {
		routes, _ := t.t.Get(p)
		n += len(routes)
	}
	return n
}

func pick(routes []*Route, ifID int, pred Predicate) *Route {
	for _, r := range routes {
		if ifID != AnyInterface && r.IfID != ifID {
			continue
		}
		if pred != nil && !pred(r) {
			continue
		}
		return r
	}
	return nil
}

// ChooseNextHop returns the longest-prefix route to dst, restricted to
// ifID unless it is AnyInterface and filtered by pred. Among routes of the
// same prefix the lowest metric wins.
func (t *Table) ChooseNextHop(dst netip.Addr, ifID int, pred Predicate) *Route {
	routes, ok := t.t.Lookup(dst)
	if !ok || len(routes) == 0 {
		return nil
	}
	if r := pick(routes, ifID, pred); r != nil {
		return r
	}
	// The longest match was filtered out; try shorter prefixes.
	return t.walk(dst, ifID, pred, routes[0].Prefix.Bits()-1)
}

// walk tries each prefix length from maxBits down to zero.
func (t *Table) walk(dst netip.Addr, ifID int, pred Predicate, maxBits int) *Route {
	for bits := maxBits; bits >= 0; bits-- {
		p, err := dst.Prefix(bits)
		if err != nil {
			continue
		}
		if _, ok := t.prefixes[p]; !ok {
			continue
		}
		routes, _ := t.t.Get(p)
		if r := pick(routes, ifID, pred); r != nil {
			return r
		}
	}
	return nil
}

// Tick ages route lifetimes by seconds, removing expired routes. It
// returns the removed routes.
func (t *Table) Tick(seconds uint32) []*Route {
	var expired []*Route
	for p := range t.prefixes {
		routes, _ := t.t.Get(p)
		for _, r := range routes {
			if r.Lifetime == InfiniteLifetime || r.Lifetime == 0 {
				continue
			}
			if r.Lifetime > seconds {
				r.Lifetime -= seconds
				continue
			}
			expired = append(expired, r)
		}
	}
	for _, r := range expired {
		t.DeleteRoute(r)
	}
	return expired
}
