package stack

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/radv"
	"github.com/psaab/lowpand/pkg/rib"
)

// IfaceConfig brings up one interface.
type IfaceConfig struct {
	Name string
	ND   nd.IfConfig
	Link ipv6.Link
	// Forwarding routes packets not addressed to this node.
	Forwarding bool
	// Addresses are assigned in addition to the EUI-64 link-local
	// address, each with an on-link route for its prefix.
	Addresses []netip.Prefix
	// RATiming overrides the RA scheduler defaults.
	RATiming *radv.Config
	Prefixes []nd.AdvPrefix
	Routes   []nd.AdvRoute
	// BorderRouter makes this node the border router of the network.
	BorderRouter *nd.BRConfig
}

type autoAddr struct {
	addr      netip.Addr
	valid     uint32
	preferred uint32
}

type iface struct {
	id       int
	name     string
	link     ipv6.Link
	eui      ndp.EUI64
	autoconf map[netip.Prefix]*autoAddr
	cancel   context.CancelFunc
}

// AddInterface brings cfg up: the core learns the link and addresses, ND
// starts router discovery or advertising, and the link's receiver is
// started when the executor is already running.
func (s *Stack) AddInterface(cfg IfaceConfig) error {
	id := cfg.ND.IfID
	if id <= ipv6.NoInterface {
		return fmt.Errorf("interface %q: invalid id %d", cfg.Name, id)
	}
	if cfg.Link == nil {
		return fmt.Errorf("interface %q: no link", cfg.Name)
	}
	if _, ok := s.ifaces[id]; ok {
		return fmt.Errorf("interface %q: id %d already in use", cfg.Name, id)
	}
	lla := cfg.Link.LinkAddr()
	ifc := &iface{
		id:       id,
		name:     cfg.Name,
		link:     cfg.Link,
		eui:      ndp.EUI64FromLinkAddr(lla),
		autoconf: make(map[netip.Prefix]*autoAddr),
	}
	s.ifaces[id] = ifc
	fail := func(err error) error {
		s.nd.RemoveInterface(id)
		s.core.RemoveInterface(id)
		delete(s.ifaces, id)
		return fmt.Errorf("interface %q: %w", cfg.Name, err)
	}

	s.core.AddInterface(&ipv6.Interface{
		ID:          id,
		Link:        cfg.Link,
		MTU:         cfg.ND.LinkMTU,
		CurHopLimit: cfg.ND.CurHopLimit,
		Forwarding:  cfg.Forwarding || cfg.ND.Mode != nd.ModeHost,
	})
	s.core.JoinGroup(id, ndp.AllNodes)
	if cfg.ND.Mode != nd.ModeHost {
		s.core.JoinGroup(id, ndp.AllRouters)
	}
	if !ifc.eui.IsZero() {
		ll := interfaceAddress(netip.MustParsePrefix("fe80::/64"), ifc.eui)
		if err := s.core.AddAddress(id, netip.PrefixFrom(ll, 64)); err != nil {
			return fail(err)
		}
	}
	s.routes.Add(&rib.Route{Prefix: netip.MustParsePrefix("fe80::/64"), IfID: id, Source: rib.SourceOnLink, Lifetime: rib.InfiniteLifetime})
	for _, p := range cfg.Addresses {
		if err := s.core.AddAddress(id, p); err != nil {
			return fail(err)
		}
		s.routes.Add(&rib.Route{Prefix: p.Masked(), IfID: id, Source: rib.SourceOnLink, Lifetime: rib.InfiniteLifetime})
		if cfg.ND.Mode == nd.ModeBorderRouter {
			s.wb.RegisterInterfaceAddress(p.Addr(), ifc.eui, id)
		}
	}

	s.nd.AddInterface(cfg.ND)
	if cfg.RATiming != nil {
		s.sched.SetConfig(id, *cfg.RATiming)
	}
	for _, p := range cfg.Prefixes {
		p.IfID = id
		s.nd.AddAdvertisedPrefix(p)
	}
	for _, r := range cfg.Routes {
		r.IfID = id
		s.nd.AddAdvertisedRoute(r)
	}
	if cfg.BorderRouter != nil {
		s.nd.SetBorderRouter(id, *cfg.BorderRouter)
	}
	s.nd.Discover(id)
	s.startReceiver(ifc)

	slog.Info("stack: interface up", "interface", id, "name", cfg.Name,
		"mode", cfg.ND.Mode, "lla", lla, "nwk", cfg.ND.NwkID)
	return nil
}

// RemoveInterface takes ifID down, dropping its router objects, routes,
// neighbors and addresses.
func (s *Stack) RemoveInterface(ifID int) {
	ifc, ok := s.ifaces[ifID]
	if !ok {
		return
	}
	if ifc.cancel != nil {
		ifc.cancel()
	}
	s.nd.RemoveInterface(ifID)
	s.core.RemoveInterface(ifID)
	delete(s.ifaces, ifID)
	slog.Info("stack: interface down", "interface", ifID, "name", ifc.name)
}

// LinkUp restarts router discovery on ifID after its link returns.
// Executor only.
func (s *Stack) LinkUp(ifID int) {
	if _, ok := s.ifaces[ifID]; !ok {
		return
	}
	slog.Info("stack: link up", "interface", ifID)
	s.nd.Discover(ifID)
}

// LearnNeighbor records that addr on ifID is reachable at lla, as a
// solicited NA would. Executor only.
func (s *Stack) LearnNeighbor(ifID int, addr netip.Addr, lla ndp.LinkAddr) {
	nc := s.core.Neighbors(ifID)
	if nc == nil {
		return
	}
	nc.Learn(addr, lla, false, true, true)
}

// InterfaceByName returns the id of the interface called name.
func (s *Stack) InterfaceByName(name string) (int, bool) {
	for id, ifc := range s.ifaces {
		if ifc.name == name {
			return id, true
		}
	}
	return 0, false
}

// interfaceAddress forms prefix::IID with the modified EUI-64 interface
// identifier of RFC 4291 appendix A.
func interfaceAddress(prefix netip.Prefix, eui ndp.EUI64) netip.Addr {
	b := prefix.Masked().Addr().As16()
	copy(b[8:], eui[:])
	b[8] ^= 0x02
	return netip.AddrFrom16(b)
}

// autoconfigure implements stateless address configuration from an
// autonomous prefix (RFC 4862 section 5.5.3).
func (s *Stack) autoconfigure(ifID int, prefix netip.Prefix, valid, preferred uint32) (netip.Addr, bool) {
	ifc, ok := s.ifaces[ifID]
	if !ok || prefix.Bits() != 64 || ifc.eui.IsZero() {
		return netip.Addr{}, false
	}
	prefix = prefix.Masked()
	if a, ok := ifc.autoconf[prefix]; ok {
		if valid == 0 {
			s.dropAutoconf(ifc, prefix)
			return netip.Addr{}, false
		}
		// RFC 4862 section 5.5.3 (e): a short lifetime only shortens the
		// remaining one past two hours.
		const twoHours = 7200
		if valid > twoHours || valid > a.valid {
			a.valid = valid
		} else if a.valid > twoHours {
			a.valid = twoHours
		}
		a.preferred = min(preferred, a.valid)
		return a.addr, false
	}
	if valid == 0 {
		return netip.Addr{}, false
	}
	addr := interfaceAddress(prefix, ifc.eui)
	if s.core.IsOwnAddress(ifID, addr) {
		return addr, false
	}
	if err := s.core.AddAddress(ifID, netip.PrefixFrom(addr, 64)); err != nil {
		slog.Warn("stack: autoconfiguration failed", "interface", ifID, "prefix", prefix, "err", err)
		return netip.Addr{}, false
	}
	ifc.autoconf[prefix] = &autoAddr{addr: addr, valid: valid, preferred: min(preferred, valid)}
	slog.Info("stack: address autoconfigured", "interface", ifID, "addr", addr, "valid", valid)
	return addr, true
}

func (s *Stack) dropAutoconf(ifc *iface, prefix netip.Prefix) {
	a, ok := ifc.autoconf[prefix]
	if !ok {
		return
	}
	delete(ifc.autoconf, prefix)
	s.core.RemoveAddress(ifc.id, a.addr)
	slog.Info("stack: autoconfigured address removed", "interface", ifc.id, "addr", a.addr)
}

func (s *Stack) ageAutoconf(seconds uint32) {
	for _, id := range s.ifaceIDs() {
		ifc := s.ifaces[id]
		for p, a := range ifc.autoconf {
			if a.valid == ^uint32(0) {
				continue
			}
			if a.valid <= seconds {
				s.dropAutoconf(ifc, p)
				continue
			}
			a.valid -= seconds
			if a.preferred != ^uint32(0) {
				a.preferred -= min(a.preferred, seconds)
			}
		}
	}
}
