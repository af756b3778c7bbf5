package whiteboard

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/lowpand/pkg/ndp"
)

var (
	addr = netip.MustParseAddr("2001:db8::10")
	euiA = ndp.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	euiB = ndp.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
)

func TestUpdateDuplicateLeavesBoardUnchanged(t *testing.T) {
	b := New(0)
	if st := b.Update(addr, euiA, 1, 600); st != ndp.StatusSuccess {
		t.Fatalf("first registration status %d", st)
	}
	before := b.Entries()
	if st := b.Update(addr, euiB, 2, 900); st != ndp.StatusDuplicate {
		t.Errorf("conflicting registration status %d, want duplicate", st)
	}
	if diff := cmp.Diff(before, b.Entries(), cmp.Comparer(func(x, y netip.Addr) bool { return x == y })); diff != "" {
		t.Errorf("board mutated (-before +after):\n%s", diff)
	}
}

func TestUpdateRefreshAndRemove(t *testing.T) {
	b := New(0)
	b.Update(addr, euiA, 1, 600)
	b.Update(addr, euiA, 1, 1200)
	if e, _ := b.Lookup(addr); e.Lifetime != 1200 {
		t.Errorf("lifetime %d, want 1200", e.Lifetime)
	}
	b.Update(addr, euiA, 1, 0)
	if _, ok := b.Lookup(addr); ok {
		t.Error("zero lifetime did not remove entry")
	}
}

func TestFull(t *testing.T) {
	b := New(1)
	b.Update(addr, euiA, 1, 60)
	if st := b.Update(netip.MustParseAddr("2001:db8::11"), euiB, 1, 60); st != ndp.StatusFull {
		t.Errorf("status %d, want full", st)
	}
}

func TestTickAndInterfaceAddresses(t *testing.T) {
	b := New(0)
	own := netip.MustParseAddr("2001:db8::1")
	b.RegisterInterfaceAddress(own, euiA, 1)
	b.Update(addr, euiB, 1, 30)
	b.Tick(30)
	if _, ok := b.Lookup(addr); ok {
		t.Error("expired entry kept")
	}
	if st := b.Update(own, euiB, 1, 60); st != ndp.StatusDuplicate {
		t.Errorf("own address status %d, want duplicate", st)
	}
	b.UnregisterAll(1)
	if b.Len() != 0 {
		t.Errorf("Len = %d after UnregisterAll", b.Len())
	}
}
