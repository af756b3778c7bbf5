package nd

import (
	"log/slog"
	"net/netip"
	"slices"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/rib"
)

// AdvPrefix is a prefix this node advertises on an interface regardless
// of any border router object.
type AdvPrefix struct {
	IfID      int
	Prefix    netip.Prefix
	Flags     uint8
	Valid     uint32 // seconds
	Preferred uint32 // seconds
}

// AdvRoute is a route advertised in a Route Information Option.
type AdvRoute struct {
	IfID       int
	Prefix     netip.Prefix
	Preference uint8
	Lifetime   uint32 // seconds
}

// BRConfig configures this node as the border router for a network.
type BRConfig struct {
	Address        netip.Addr
	ABROVersion    uint32
	ABROLifetime   uint16 // minutes, 0 for the protocol default
	RouterLifetime uint16 // seconds
	Prefixes       []Prefix
	// Contexts[i] is compression context id i.
	Contexts []Context
}

// SetBorderRouter creates or refreshes the object for which this node is
// the border router on ifID.
func (m *Machine) SetBorderRouter(ifID int, cfg BRConfig) *Object {
	ifc, ok := m.ifaces[ifID]
	if !ok {
		return nil
	}
	o := m.Object(ifID, cfg.Address)
	if o == nil {
		o = m.newObject(ifID, cfg.Address)
	}
	o.State = StateBRReady
	o.ABROVersion = cfg.ABROVersion
	o.HasABRO = true
	o.ABROLifetime = cfg.ABROLifetime
	o.RouterLifetime = cfg.RouterLifetime
	if o.RouterLifetime == 0 {
		o.RouterLifetime = ifc.cfg.RouterLifetime
	}
	o.ReValidate = brRevalidate(o.RouterLifetime)
	o.MTU = ifc.cfg.LinkMTU
	m.deleteRoutes(o, func(r *rib.Route) bool { return r.Source == rib.SourceBorderRouter })
	o.Prefixes = slices.Clone(cfg.Prefixes)
	o.Contexts = [16]Context{}
	for i, c := range cfg.Contexts {
		if i < len(o.Contexts) {
			o.Contexts[i] = c
		}
	}
	for _, p := range o.Prefixes {
		if p.OnLink() {
			m.addRoute(o, &rib.Route{Prefix: p.Prefix, Source: rib.SourceBorderRouter, Lifetime: rib.InfiniteLifetime})
		}
	}
	slog.Info("nd: border router configured", "interface", ifID, "br", cfg.Address,
		"version", cfg.ABROVersion, "prefixes", len(o.Prefixes))
	if ifc.cfg.Advertise && m.sched != nil {
		m.sched.Restart(ifID, o.BR)
	}
	return o
}

// BumpABRO increments the ABRO version of the border router object on
// ifID so that routers relearn its information.
func (m *Machine) BumpABRO(ifID int, br netip.Addr) {
	o := m.Object(ifID, br)
	if o == nil || o.State != StateBRReady {
		return
	}
	o.ABROVersion++
	if m.sched != nil {
		m.sched.Restart(ifID, br)
	}
}

// AddAdvertisedPrefix adds or updates a prefix advertised on p.IfID.
func (m *Machine) AddAdvertisedPrefix(p AdvPrefix) {
	p.Prefix = p.Prefix.Masked()
	if i := slices.IndexFunc(m.advPrefixes, func(x *AdvPrefix) bool {
		return x.IfID == p.IfID && x.Prefix == p.Prefix
	}); i >= 0 {
		*m.advPrefixes[i] = p
	} else {
		m.advPrefixes = append(m.advPrefixes, &p)
	}
	if p.Flags&ndp.PrefixOnLink != 0 {
		m.routes.Add(&rib.Route{Prefix: p.Prefix, IfID: p.IfID, Source: rib.SourceOnLink, Lifetime: rib.InfiniteLifetime})
	}
	m.advertisingChanged(p.IfID)
}

// RemoveAdvertisedPrefix stops advertising prefix on ifID.
func (m *Machine) RemoveAdvertisedPrefix(ifID int, prefix netip.Prefix) {
	prefix = prefix.Masked()
	m.advPrefixes = deleteIf(m.advPrefixes, func(x *AdvPrefix) bool {
		return x.IfID == ifID && x.Prefix == prefix
	})
	m.routes.Delete(prefix, func(r *rib.Route) bool { return r.IfID == ifID && r.Source == rib.SourceOnLink })
}

// AdvertisedPrefixes returns the prefixes advertised on ifID.
func (m *Machine) AdvertisedPrefixes(ifID int) []AdvPrefix {
	var out []AdvPrefix
	for _, p := range m.advPrefixes {
		if p.IfID == ifID {
			out = append(out, *p)
		}
	}
	return out
}

// AddAdvertisedRoute adds or updates a route advertised on r.IfID.
func (m *Machine) AddAdvertisedRoute(r AdvRoute) {
	r.Prefix = r.Prefix.Masked()
	if i := slices.IndexFunc(m.advRoutes, func(x *AdvRoute) bool {
		return x.IfID == r.IfID && x.Prefix == r.Prefix
	}); i >= 0 {
		*m.advRoutes[i] = r
	} else {
		m.advRoutes = append(m.advRoutes, &r)
	}
	m.advertisingChanged(r.IfID)
}

// RemoveAdvertisedRoute stops advertising prefix on ifID.
func (m *Machine) RemoveAdvertisedRoute(ifID int, prefix netip.Prefix) {
	prefix = prefix.Masked()
	m.advRoutes = deleteIf(m.advRoutes, func(x *AdvRoute) bool {
		return x.IfID == ifID && x.Prefix == prefix
	})
}

// AdvertisedRoutes returns the routes advertised on ifID.
func (m *Machine) AdvertisedRoutes(ifID int) []AdvRoute {
	var out []AdvRoute
	for _, r := range m.advRoutes {
		if r.IfID == ifID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Machine) advertisingChanged(ifID int) {
	ifc, ok := m.ifaces[ifID]
	if !ok || !ifc.cfg.Advertise || ifc.cfg.Mode == ModeHost || m.sched == nil {
		return
	}
	m.sched.Restart(ifID, netip.Addr{})
}

func (m *Machine) advertisedSlowTimer(ifID int, seconds uint32) {
	m.advPrefixes = deleteIf(m.advPrefixes, func(p *AdvPrefix) bool {
		if p.IfID != ifID || p.Valid == lifetimeInfinite {
			return false
		}
		if p.Valid <= seconds {
			slog.Info("nd: advertised prefix expired", "interface", ifID, "prefix", p.Prefix)
			m.routes.Delete(p.Prefix, func(r *rib.Route) bool { return r.IfID == ifID && r.Source == rib.SourceOnLink })
			return true
		}
		p.Valid -= seconds
		if p.Preferred != lifetimeInfinite {
			p.Preferred = subFloor(p.Preferred, seconds)
		}
		return false
	})
	m.advRoutes = deleteIf(m.advRoutes, func(r *AdvRoute) bool {
		if r.IfID != ifID || r.Lifetime == lifetimeInfinite {
			return false
		}
		if r.Lifetime <= seconds {
			return true
		}
		r.Lifetime -= seconds
		return false
	})
}

// BuildRA assembles the Router Advertisement for ifID on behalf of br. An
// invalid br builds an RA from the advertised lists only.
func (m *Machine) BuildRA(ifID int, br netip.Addr) *ndp.RouterAdvertisement {
	ifc, ok := m.ifaces[ifID]
	if !ok || ifc.cfg.Mode == ModeHost {
		return nil
	}
	cfg := ifc.cfg
	ra := &ndp.RouterAdvertisement{
		CurHopLimit:    cfg.CurHopLimit,
		RouterLifetime: cfg.RouterLifetime,
		ReachableTime:  cfg.ReachableTime,
		RetransTimer:   cfg.RetransTimer,
	}
	if own := m.env.LinkAddr(ifID); own.IsValid() {
		ra.Options = append(ra.Options, ndp.NewLinkLayerAddress(ndp.Source, own))
	}
	if cfg.LinkMTU != 0 {
		ra.Options = append(ra.Options, &ndp.MTU{MTU: cfg.LinkMTU})
	}

	seen := make(map[netip.Prefix]bool)
	if br.IsValid() && !br.IsUnspecified() {
		o := m.Object(ifID, br)
		if o == nil || (o.State != StateReady && o.State != StateBRReady) {
			return nil
		}
		if o.State == StateBRReady && o.RouterLifetime != 0 {
			ra.RouterLifetime = o.RouterLifetime
		}
		if o.State == StateReady {
			ra.Flags = o.Flags
		}
		ra.Options = append(ra.Options, &ndp.AuthoritativeBorderRouter{
			Version:  o.ABROVersion,
			Lifetime: o.ABROLifetime,
			Address:  o.BR,
		})
		for _, p := range o.Prefixes {
			seen[p.Prefix] = true
			ra.Options = append(ra.Options, &ndp.PrefixInformation{
				PrefixLength:      uint8(p.Prefix.Bits()),
				Flags:             p.Flags,
				ValidLifetime:     p.Valid,
				PreferredLifetime: p.Preferred,
				Prefix:            p.Prefix.Addr(),
			})
		}
		for cid, c := range o.Contexts {
			if !c.Valid() {
				continue
			}
			ra.Options = append(ra.Options, &ndp.SixLoWPANContext{
				ContextLength: uint8(c.Prefix.Bits()),
				Compress:      c.Compress,
				CID:           uint8(cid),
				Lifetime:      minutes(c.Lifetime),
				Prefix:        c.Prefix.Addr(),
			})
		}
		for _, ri := range o.RouteInfos {
			seen[ri.Prefix] = true
			ra.Options = append(ra.Options, &ndp.RouteInformation{
				PrefixLength: uint8(ri.Prefix.Bits()),
				Preference:   ri.Preference,
				Lifetime:     ri.Lifetime,
				Prefix:       ri.Prefix.Addr(),
			})
		}
	}
	for _, p := range m.advPrefixes {
		if p.IfID != ifID || seen[p.Prefix] {
			continue
		}
		ra.Options = append(ra.Options, &ndp.PrefixInformation{
			PrefixLength:      uint8(p.Prefix.Bits()),
			Flags:             p.Flags,
			ValidLifetime:     p.Valid,
			PreferredLifetime: p.Preferred,
			Prefix:            p.Prefix.Addr(),
		})
	}
	for _, r := range m.advRoutes {
		if r.IfID != ifID || seen[r.Prefix] {
			continue
		}
		ra.Options = append(ra.Options, &ndp.RouteInformation{
			PrefixLength: uint8(r.Prefix.Bits()),
			Preference:   r.Preference,
			Lifetime:     r.Lifetime,
			Prefix:       r.Prefix.Addr(),
		})
	}
	return ra
}

func minutes(seconds uint32) uint16 {
	if seconds == lifetimeInfinite {
		return 0xffff
	}
	mins := (seconds + 59) / 60
	if mins > 0xffff {
		return 0xffff
	}
	return uint16(mins)
}

// SendRA builds and transmits an RA. It is the advertiser driven by the
// RA scheduler and reports whether an RA was transmitted.
func (m *Machine) SendRA(ifID int, dst, br netip.Addr) bool {
	ra := m.BuildRA(ifID, br)
	if ra == nil {
		return false
	}
	src := m.env.LinkLocal(ifID)
	if err := m.env.SendND(ifID, src, dst, ra, ndp.LinkAddr{}); err != nil {
		slog.Debug("nd: RA send failed", "interface", ifID, "dst", dst, "err", err)
		return false
	}
	return true
}

// HandleRS answers a Router Solicitation by scheduling an RA for every
// border router advertised on ifID.
func (m *Machine) HandleRS(ifID int, src netip.Addr, rs *ndp.RouterSolicitation) {
	ifc, ok := m.ifaces[ifID]
	if !ok || ifc.cfg.Mode == ModeHost || !ifc.cfg.Advertise || m.sched == nil {
		return
	}
	dst := src
	if src.IsUnspecified() {
		dst = ndp.AllNodes
	} else if lla, ok := m.sourceLinkAddr(ifID, rs.Options); ok {
		m.env.Neighbors(ifID).Learn(src, lla, true, false, true)
	}
	triggered := false
	for _, o := range m.Objects(ifID) {
		if o.State != StateReady && o.State != StateBRReady {
			continue
		}
		m.sched.TriggerFromRS(ifID, dst, o.BR)
		triggered = true
	}
	if !triggered && (len(m.AdvertisedPrefixes(ifID)) > 0 || len(m.AdvertisedRoutes(ifID)) > 0) {
		m.sched.TriggerFromRS(ifID, dst, netip.Addr{})
	}
}
