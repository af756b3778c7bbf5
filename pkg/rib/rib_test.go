package rib

import (
	"net/netip"
	"testing"
	"time"
)

func TestChooseNextHopLongestMatch(t *testing.T) {
	tbl := NewTable()
	def := &Route{Prefix: netip.MustParsePrefix("::/0"), NextHop: netip.MustParseAddr("fe80::1"), IfID: 1, Source: SourceRouterAdv}
	onlink := &Route{Prefix: netip.MustParsePrefix("2001:db8:1::/64"), IfID: 1, Source: SourceOnLink}
	rio := &Route{Prefix: netip.MustParsePrefix("2001:db8::/32"), NextHop: netip.MustParseAddr("fe80::2"), IfID: 2, Source: SourceRouteInfo}
	tbl.Add(def)
	tbl.Add(onlink)
	tbl.Add(rio)

	tests := []struct {
		name string
		dst  string
		ifID int
		pred Predicate
		want *Route
	}{
		{"on-link", "2001:db8:1::5", AnyInterface, nil, onlink},
		{"rio", "2001:db8:2::5", AnyInterface, nil, rio},
		{"default", "2001:dead::1", AnyInterface, nil, def},
		{"scoped to if 1 skips rio", "2001:db8:2::5", 1, nil, def},
		{"predicate skips on-link", "2001:db8:1::5", AnyInterface,
			func(r *Route) bool { return r.Source != SourceOnLink }, rio},
		{"nothing on if 3", "2001:db8:1::5", 3, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tbl.ChooseNextHop(netip.MustParseAddr(tt.dst), tt.ifID, tt.pred)
			if got != tt.want {
				t.Errorf("ChooseNextHop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetricOrderAndReplace(t *testing.T) {
	tbl := NewTable()
	p := netip.MustParsePrefix("::/0")
	worse := &Route{Prefix: p, NextHop: netip.MustParseAddr("fe80::1"), IfID: 1, Metric: 20}
	better := &Route{Prefix: p, NextHop: netip.MustParseAddr("fe80::2"), IfID: 1, Metric: 10}
	tbl.Add(worse)
	tbl.Add(better)
	if got := tbl.ChooseNextHop(netip.MustParseAddr("2001::1"), AnyInterface, nil); got != better {
		t.Errorf("got %v, want lower metric route", got)
	}
	tbl.Add(&Route{Prefix: p, NextHop: netip.MustParseAddr("fe80::2"), IfID: 1, Metric: 30})
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d after replace, want 2", tbl.Len())
	}
	if got := tbl.ChooseNextHop(netip.MustParseAddr("2001::1"), AnyInterface, nil); got != worse {
		t.Errorf("got %v after replace, want metric 20 route", got)
	}
}

func TestTickExpiresRoutes(t *testing.T) {
	tbl := NewTable()
	tbl.Add(&Route{Prefix: netip.MustParsePrefix("2001:db8::/64"), IfID: 1, Lifetime: 10})
	tbl.Add(&Route{Prefix: netip.MustParsePrefix("2001:db8:1::/64"), IfID: 1, Lifetime: InfiniteLifetime})
	if n := len(tbl.Tick(5)); n != 0 {
		t.Fatalf("expired %d early", n)
	}
	if n := len(tbl.Tick(5)); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestRemoveInterface(t *testing.T) {
	tbl := NewTable()
	tbl.Add(&Route{Prefix: netip.MustParsePrefix("::/0"), NextHop: netip.MustParseAddr("fe80::1"), IfID: 1})
	tbl.Add(&Route{Prefix: netip.MustParsePrefix("::/0"), NextHop: netip.MustParseAddr("fe80::1"), IfID: 2})
	if n := tbl.RemoveInterface(1); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if r := tbl.ChooseNextHop(netip.MustParseAddr("2001::1"), AnyInterface, nil); r == nil || r.IfID != 2 {
		t.Errorf("remaining route %v", r)
	}
}

func TestPMTURatchet(t *testing.T) {
	c := NewDestCache(16, time.Minute)
	dst := netip.MustParseAddr("2001:db8::1")
	d := c.LookupOrCreate(dst, 3)
	if d.IfID != AnyInterface {
		t.Errorf("global destination keyed to zone %d", d.IfID)
	}
	r := &Route{Prefix: netip.MustParsePrefix("::/0"), IfID: 1}
	d.SetRoute(r)
	if got := d.ClampPMTU(1500, 0); got != 1500 {
		t.Fatalf("initial PMTU %d", got)
	}
	if !d.ReducePMTU(1400) {
		t.Fatal("reduction rejected")
	}
	if d.ReducePMTU(1450) {
		t.Error("PMTU grew")
	}
	if got := d.ClampPMTU(1500, 1480); got != 1400 {
		t.Errorf("clamped PMTU %d, want 1400", got)
	}
	// The same route installed again with a new lifetime is no change.
	d.SetRoute(&Route{Prefix: netip.MustParsePrefix("::/0"), IfID: 1, Lifetime: 1800})
	if got := d.ClampPMTU(1500, 0); got != 1400 {
		t.Errorf("PMTU after route refresh %d, want 1400", got)
	}
	d.SetRoute(&Route{Prefix: netip.MustParsePrefix("2001:db8::/32"), IfID: 1})
	if got := d.ClampPMTU(1500, 0); got != 1500 {
		t.Errorf("PMTU after route change %d, want 1500", got)
	}
	if c.LookupOrCreate(dst, 7) != d {
		t.Error("global destination not shared across zones")
	}
}

func TestScopedDestinationsPerZone(t *testing.T) {
	c := NewDestCache(16, time.Minute)
	ll := netip.MustParseAddr("fe80::1")
	a := c.LookupOrCreate(ll, 1)
	b := c.LookupOrCreate(ll, 2)
	if a == b {
		t.Fatal("link-local destinations in different zones share an entry")
	}
	c.RemoveInterface(1)
	if c.Lookup(ll, 1) != nil {
		t.Error("zone 1 entry survived RemoveInterface")
	}
	if c.Lookup(ll, 2) == nil {
		t.Error("zone 2 entry removed")
	}
}
