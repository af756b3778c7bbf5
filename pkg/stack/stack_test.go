package stack

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/psaab/lowpand/pkg/link/channel"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
)

var (
	brAddr  = netip.MustParseAddr("2001:db8::1")
	prefix  = netip.MustParsePrefix("2001:db8::/64")
	brLLA   = ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 1})
	hostLLA = ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 2})
)

type node struct {
	s  *Stack
	ep *channel.Endpoint
}

type network struct {
	t     *testing.T
	hub   *channel.Hub
	nodes []node
}

func newNetwork(t *testing.T) *network {
	return &network{t: t, hub: channel.NewHub()}
}

func (n *network) add(lla ndp.LinkAddr, cfg IfaceConfig) *Stack {
	n.t.Helper()
	sc := DefaultConfig()
	sc.Seed = uint64(len(n.nodes) + 1)
	s := New(sc)
	ep := n.hub.Endpoint(lla, 64)
	cfg.Link = ep
	if err := s.AddInterface(cfg); err != nil {
		n.t.Fatal(err)
	}
	n.nodes = append(n.nodes, node{s: s, ep: ep})
	return s
}

// pump delivers queued frames until the medium is quiet.
func (n *network) pump() {
	for moved := true; moved; {
		moved = false
		for _, x := range n.nodes {
			for {
				p, ok := x.ep.Read()
				if !ok {
					break
				}
				moved = true
				x.s.Input(1, p.Data, p.Src, p.Dst, p.Broadcast)
			}
		}
	}
}

// run advances every node tick by tick until done returns true.
func (n *network) run(maxTicks int, done func() bool) bool {
	for i := 1; i <= maxTicks; i++ {
		n.pump()
		if done() {
			return true
		}
		for _, x := range n.nodes {
			x.s.Tick(1)
			if i%TicksPerSecond == 0 {
				x.s.SlowTick(1)
			}
		}
	}
	n.pump()
	return done()
}

func borderRouter() IfaceConfig {
	return IfaceConfig{
		Name: "br0",
		ND: nd.IfConfig{
			IfID: 1, NwkID: "pan0", Mode: nd.ModeBorderRouter, Advertise: true,
			CurHopLimit: 64, LinkMTU: 1280, RouterLifetime: 1800,
		},
		Addresses: []netip.Prefix{netip.PrefixFrom(brAddr, 64)},
		BorderRouter: &nd.BRConfig{
			Address:     brAddr,
			ABROVersion: 1,
			Prefixes: []nd.Prefix{{
				Prefix: prefix, Flags: ndp.PrefixOnLink | ndp.PrefixAutonomous,
				Valid: 3600, Preferred: 1800,
			}},
		},
	}
}

func host() IfaceConfig {
	return IfaceConfig{
		Name: "wpan0",
		ND:   nd.IfConfig{IfID: 1, NwkID: "pan0", Mode: nd.ModeHost, AcceptRA: true, LinkMTU: 1280},
	}
}

func hostAddr() netip.Addr {
	return interfaceAddress(prefix, ndp.EUI64FromLinkAddr(hostLLA))
}

func TestBootstrapAndRegistration(t *testing.T) {
	n := newNetwork(t)
	br := n.add(brLLA, borderRouter())
	h := n.add(hostLLA, host())

	registered := func() bool {
		_, ok := br.Whiteboard().Lookup(hostAddr())
		return ok
	}
	if !n.run(2000, registered) {
		t.Fatalf("host not registered; objects %+v", h.Snapshot().Objects)
	}

	objs := h.ND().Objects(1)
	if len(objs) != 1 {
		t.Fatalf("host has %d router objects, want 1", len(objs))
	}
	o := objs[0]
	if o.BR != brAddr || o.State != nd.StateReady {
		t.Errorf("object br=%s state=%v", o.BR, o.State)
	}
	if want := br.Core().LinkLocal(1); o.DefaultHop.Addr != want || o.DefaultHop.LinkAddr != brLLA {
		t.Errorf("default hop = %+v, want %s", o.DefaultHop, want)
	}
	if !h.Core().IsOwnAddress(1, hostAddr()) {
		t.Errorf("host did not autoconfigure %s", hostAddr())
	}
	if !h.ND().Active(1) {
		t.Error("host interface not active")
	}
	e, _ := br.Whiteboard().Lookup(hostAddr())
	if e.EUI64 != ndp.EUI64FromLinkAddr(hostLLA) {
		t.Errorf("whiteboard eui = %s", e.EUI64)
	}

	// The NA+ARO clears the pending registration.
	n.run(10, func() bool { return false })
	if o.TrigAddressReg {
		t.Error("registration still pending after NA")
	}
	if st := br.Snapshot().ND; st.ARO[ndp.StatusSuccess] == 0 {
		t.Errorf("border router counted no successful registration: %+v", st.ARO)
	}
	if st := h.Snapshot(); st.ND.RSSent == 0 || st.ND.NSRegSent == 0 || st.RA.Sent != 0 {
		t.Errorf("host stats = %+v", st.ND)
	}
	if st := br.Snapshot(); st.RA.Sent == 0 {
		t.Error("border router sent no RA")
	}
}

func TestDefaultHopLostRestartsBootstrap(t *testing.T) {
	n := newNetwork(t)
	br := n.add(brLLA, borderRouter())
	h := n.add(hostLLA, host())
	var restarts []int
	h.OnBootstrapRestart = func(ifID int) { restarts = append(restarts, ifID) }

	if !n.run(2000, func() bool { return h.ND().Active(1) }) {
		t.Fatal("host never became active")
	}
	h.neighborLost(1, br.Core().LinkLocal(1))

	if len(restarts) != 1 || restarts[0] != 1 {
		t.Errorf("restarts = %v", restarts)
	}
	if n := len(h.ND().Objects(1)); n != 0 {
		t.Errorf("%d router objects survived", n)
	}
	if st := h.Snapshot().ND; st.BootstrapRestarts != 1 {
		t.Errorf("bootstrap restarts = %d", st.BootstrapRestarts)
	}
}

func TestRegistrationExhaustionRestartsBootstrap(t *testing.T) {
	n := newNetwork(t)
	n.add(brLLA, borderRouter())
	h := n.add(hostLLA, host())
	// The border router is heard but never hears the host.
	n.hub.Cut(hostLLA, brLLA, true)
	restarted := false
	h.OnBootstrapRestart = func(int) { restarted = true }

	if !n.run(3000, func() bool { return restarted }) {
		t.Fatal("no bootstrap restart")
	}
	if st := h.Snapshot().ND; st.NSRegSent < uint64(nd.DefaultParams().NSRetryMax) {
		t.Errorf("sent %d registrations before giving up", st.NSRegSent)
	}
}

func TestAutoconfigure(t *testing.T) {
	n := newNetwork(t)
	s := n.add(hostLLA, host())
	e := (*env)(s)

	a, created := e.Autoconfigure(1, prefix, 30, 20)
	if !created || a != hostAddr() {
		t.Fatalf("Autoconfigure = %s, %v", a, created)
	}
	if a.As16()[8] != 0x00 {
		t.Errorf("universal/local bit not inverted in %s", a)
	}
	if got := e.GlobalAddress(1, prefix); got != a {
		t.Errorf("GlobalAddress = %s", got)
	}
	if again, created := e.Autoconfigure(1, prefix, 30, 20); created || again != a {
		t.Errorf("second Autoconfigure = %s, %v", again, created)
	}
	if _, created := e.Autoconfigure(1, netip.MustParsePrefix("2001:db8:1::/48"), 30, 20); created {
		t.Error("configured an address from a /48")
	}

	s.SlowTick(29)
	if !s.Core().IsOwnAddress(1, a) {
		t.Fatal("address expired early")
	}
	s.SlowTick(1)
	if s.Core().IsOwnAddress(1, a) {
		t.Error("address outlived its valid lifetime")
	}

	a, _ = e.Autoconfigure(1, prefix, 7200, 7200)
	e.Autoconfigure(1, prefix, 0, 0)
	if s.Core().IsOwnAddress(1, a) {
		t.Error("zero valid lifetime did not remove the address")
	}
}

func TestAddInterfaceErrors(t *testing.T) {
	s := New(DefaultConfig())
	ep := channel.NewHub().Endpoint(hostLLA, 1)
	tests := []struct {
		name string
		cfg  IfaceConfig
	}{
		{"no id", IfaceConfig{Name: "a", Link: ep}},
		{"no link", IfaceConfig{Name: "b", ND: nd.IfConfig{IfID: 1}}},
	}
	for _, tt := range tests {
		if err := s.AddInterface(tt.cfg); err == nil {
			t.Errorf("%s: no error", tt.name)
		}
	}
	cfg := host()
	cfg.Link = ep
	if err := s.AddInterface(cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.AddInterface(cfg); err == nil {
		t.Error("duplicate id accepted")
	}
	if id, ok := s.InterfaceByName("wpan0"); !ok || id != 1 {
		t.Errorf("InterfaceByName = %d, %v", id, ok)
	}
	ll := s.Core().LinkLocal(1)
	if want := interfaceAddress(netip.MustParsePrefix("fe80::/64"), ndp.EUI64FromLinkAddr(hostLLA)); ll != want {
		t.Errorf("link-local = %s, want %s", ll, want)
	}
	s.RemoveInterface(1)
	if s.Core().Interface(1) != nil || len(s.Snapshot().Interfaces) != 0 {
		t.Error("interface survived removal")
	}
}

func TestAddInterfaceBadAddressUndone(t *testing.T) {
	s := New(DefaultConfig())
	ep := channel.NewHub().Endpoint(brLLA, 1)
	cfg := borderRouter()
	cfg.Link = ep
	cfg.Addresses = append(cfg.Addresses, netip.MustParsePrefix("ff02::1/64"))
	if err := s.AddInterface(cfg); err == nil {
		t.Fatal("multicast interface address accepted")
	}
	if s.Core().Interface(1) != nil || s.Core().Neighbors(1) != nil {
		t.Error("core kept the interface")
	}
	if _, ok := s.InterfaceByName("br0"); ok {
		t.Error("interface still listed")
	}
	if n := s.routes.Len(); n != 0 {
		t.Errorf("%d routes left behind", n)
	}
	if n := s.wb.Len(); n != 0 {
		t.Errorf("%d whiteboard entries left behind", n)
	}

	cfg = borderRouter()
	cfg.Link = ep
	if err := s.AddInterface(cfg); err != nil {
		t.Fatalf("id not reusable after failed add: %v", err)
	}
}

func TestRunDoReceive(t *testing.T) {
	hub := channel.NewHub()
	cfg := DefaultConfig()
	cfg.Tick = time.Millisecond
	s := New(cfg)
	ic := host()
	ic.Link = hub.Endpoint(hostLLA, 8)
	if err := s.AddInterface(ic); err != nil {
		t.Fatal(err)
	}
	peer := hub.Endpoint(brLLA, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Discovery solicits routers on its own once ticks flow.
	select {
	case p := <-peer.C:
		if p.Src != hostLLA || !p.Broadcast {
			t.Errorf("first frame %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no router solicitation")
	}

	var ticks uint64
	if err := s.Do(ctx, func() { ticks = s.ticks }); err != nil {
		t.Fatal(err)
	}
	if ticks == 0 {
		t.Error("executor ran no ticks")
	}
	snap, err := s.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Interfaces) != 1 || snap.ND.RSSent == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := s.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if err := s.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop: %v", err)
	}
}
