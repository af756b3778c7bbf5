package nd

import (
	"log/slog"
	"net/netip"
	"slices"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/rib"
)

// Hop is a next hop toward a border router.
type Hop struct {
	Addr     netip.Addr
	LinkAddr ndp.LinkAddr
	LQI      uint8
}

// Valid reports whether the hop has ever been populated.
func (h Hop) Valid() bool { return h.Addr.IsValid() }

// Prefix is a prefix learned from a Prefix Information Option.
type Prefix struct {
	Prefix    netip.Prefix
	Flags     uint8
	Valid     uint32 // seconds
	Preferred uint32 // seconds
}

// Autonomous reports the A flag.
func (p Prefix) Autonomous() bool { return p.Flags&ndp.PrefixAutonomous != 0 }

// OnLink reports the L flag.
func (p Prefix) OnLink() bool { return p.Flags&ndp.PrefixOnLink != 0 }

// Context is a 6LoWPAN header compression context.
type Context struct {
	Prefix   netip.Prefix
	Compress bool
	Lifetime uint32 // seconds
}

// Valid reports whether the context slot is in use.
func (c Context) Valid() bool { return c.Prefix.IsValid() }

// RouteInfo is a route learned from a Route Information Option.
type RouteInfo struct {
	Prefix     netip.Prefix
	Preference uint8
	Lifetime   uint32 // seconds
}

// Object is the state kept for one border router reachable through one
// interface.
type Object struct {
	IfID  int
	NwkID string
	BR    netip.Addr
	State State

	DefaultHop Hop
	Secondary  *Hop

	Prefixes   []Prefix
	Contexts   [16]Context
	RouteInfos []RouteInfo

	ABROVersion    uint32
	ABROLifetime   uint16 // minutes
	HasABRO        bool
	RouterLifetime uint16 // seconds
	CurHopLimit    uint8
	MTU            uint32
	ReachableTime  uint32
	RetransTimer   uint32
	Flags          uint8

	// ReValidate counts seconds until the default hop is solicited again.
	ReValidate uint32
	// Retry counts the RS or NS attempts left in the current phase.
	Retry uint8
	// TrigAddressReg requests (re)registration of the node's addresses
	// with the default hop.
	TrigAddressReg bool

	timer      uint32 // ticks until the next RS or NS
	regPending []netip.Addr
	routes     []*rib.Route
}

// Objects returns the router objects on ifID in creation order.
func (m *Machine) Objects(ifID int) []*Object {
	var out []*Object
	for _, o := range m.objects {
		if o.IfID == ifID {
			out = append(out, o)
		}
	}
	return out
}

// AllObjects returns every router object.
func (m *Machine) AllObjects() []*Object {
	return slices.Clone(m.objects)
}

// Object returns the router object for br on ifID.
func (m *Machine) Object(ifID int, br netip.Addr) *Object {
	for _, o := range m.objects {
		if o.IfID == ifID && o.BR == br {
			return o
		}
	}
	return nil
}

// Active reports whether ifID has a router object that is usable for
// traffic.
func (m *Machine) Active(ifID int) bool {
	for _, o := range m.objects {
		if o.IfID != ifID {
			continue
		}
		if o.State == StateBRReady || o.DefaultHop.Valid() {
			return true
		}
	}
	return false
}

// ObjectByNwkID returns the first router object on an interface with the
// given network id.
func (m *Machine) ObjectByNwkID(nwkID string) *Object {
	for _, o := range m.objects {
		if o.NwkID == nwkID {
			return o
		}
	}
	return nil
}

// ObjectForAddress returns the router object whose learned prefixes give
// the longest match for addr.
func (m *Machine) ObjectForAddress(addr netip.Addr) *Object {
	var best *Object
	bits := -1
	for _, o := range m.objects {
		for _, p := range o.Prefixes {
			if p.Prefix.Contains(addr) && p.Prefix.Bits() > bits {
				best, bits = o, p.Prefix.Bits()
			}
		}
	}
	return best
}

func (m *Machine) newObject(ifID int, br netip.Addr) *Object {
	ifc := m.ifaces[ifID]
	o := &Object{IfID: ifID, NwkID: ifc.cfg.NwkID, BR: br, State: StateReady}
	m.objects = append(m.objects, o)
	m.stats.ObjectsCreated++
	slog.Info("nd: router object created", "interface", ifID, "br", br)
	return o
}

func (m *Machine) removeObject(o *Object) {
	i := slices.Index(m.objects, o)
	if i < 0 {
		return
	}
	m.objects = slices.Delete(m.objects, i, i+1)
	m.withdrawRoutes(o)
	for k, r := range m.relays {
		if r.obj == o {
			delete(m.relays, k)
		}
	}
	if m.sched != nil && o.BR.IsValid() {
		m.sched.Stop(o.IfID, o.BR)
	}
	slog.Info("nd: router object removed", "interface", o.IfID, "br", o.BR, "state", o.State)
}

func (m *Machine) addRoute(o *Object, r *rib.Route) {
	r.IfID = o.IfID
	o.routes = slices.DeleteFunc(o.routes, func(x *rib.Route) bool {
		return x.Prefix == r.Prefix.Masked() && x.NextHop == r.NextHop && x.Source == r.Source
	})
	o.routes = append(o.routes, r)
	m.routes.Add(r)
}

func (m *Machine) deleteRoutes(o *Object, match func(*rib.Route) bool) {
	o.routes = slices.DeleteFunc(o.routes, func(r *rib.Route) bool {
		if !match(r) {
			return false
		}
		m.routes.DeleteRoute(r)
		return true
	})
}

func (m *Machine) withdrawRoutes(o *Object) {
	m.deleteRoutes(o, func(*rib.Route) bool { return true })
}

// HandleRA processes a Router Advertisement received on ifID from src,
// heard with link quality lqi. It reports whether the RA carried new or
// current information (as opposed to a stale ABRO version).
func (m *Machine) HandleRA(ifID int, src netip.Addr, srcLLA ndp.LinkAddr, lqi uint8, ra *ndp.RouterAdvertisement) bool {
	ifc, ok := m.ifaces[ifID]
	if !ok || ifc.cfg.Mode == ModeBorderRouter || !ifc.cfg.AcceptRA {
		return false
	}
	m.stats.RAReceived++

	abro, hasABRO := ndp.Find[*ndp.AuthoritativeBorderRouter](ra.Options)
	br := src
	if hasABRO && abro.Address.IsValid() && !abro.Address.IsUnspecified() {
		br = abro.Address
	}
	if m.env.IsOwnAddress(ifID, br) {
		if o := m.Object(ifID, br); o != nil {
			m.removeObject(o)
		}
		return false
	}

	o := m.Object(ifID, br)
	fresh, relearn := false, false
	switch {
	case o == nil:
		if ra.RouterLifetime == 0 {
			return false
		}
		if m.params.MaxObjects > 0 && len(m.Objects(ifID)) >= m.params.MaxObjects {
			slog.Debug("nd: router object limit reached", "interface", ifID, "br", br)
			return false
		}
		o = m.newObject(ifID, br)
		o.TrigAddressReg = true
		fresh, relearn = true, true
	case !hasABRO || !o.HasABRO:
		fresh = true
	case ndp.SerialGreater(abro.Version, o.ABROVersion):
		fresh, relearn = true, true
		if ndp.ABROEpochChanged(o.ABROVersion, abro.Version) {
			slog.Info("nd: border router rebooted", "interface", ifID, "br", br,
				"old", o.ABROVersion, "new", abro.Version)
			o.TrigAddressReg = true
		}
	case abro.Version == o.ABROVersion:
		fresh = true
	default:
		m.stats.RAStale++
		slog.Debug("nd: stale RA ignored", "interface", ifID, "br", br,
			"version", abro.Version, "have", o.ABROVersion)
	}

	m.selectParent(o, Hop{Addr: src, LinkAddr: srcLLA, LQI: lqi})
	if !fresh {
		return false
	}

	if hasABRO {
		o.ABROVersion = abro.Version
		o.ABROLifetime = abro.Lifetime
		o.HasABRO = true
	}
	if srcLLA.IsValid() {
		m.env.Neighbors(ifID).Learn(src, srcLLA, true, false, false)
	}
	if relearn {
		m.forget(o)
	}
	m.learn(o, src, ra)

	if o.State != StateBRReady {
		if o.State != StateReady {
			slog.Info("nd: router object ready", "interface", ifID, "br", br, "from", o.State)
		}
		o.State = StateReady
		o.Retry = 0
		o.timer = 0
		o.ReValidate = uint32(ra.RouterLifetime) * 4 / 5
	}
	ifc.discovery = 0
	ifc.discoveryTimer = 0

	if o.TrigAddressReg {
		m.startRegistration(o)
	}
	if ifc.cfg.Mode == ModeRouter && ifc.cfg.Advertise && m.sched != nil {
		m.sched.Restart(ifID, o.BR)
	}
	return true
}

// selectParent applies the RA sender as a candidate next hop.
func (m *Machine) selectParent(o *Object, cand Hop) {
	switch {
	case !o.DefaultHop.Valid():
		o.DefaultHop = cand
	case o.DefaultHop.Addr == cand.Addr:
		o.DefaultHop.LQI = cand.LQI
		if cand.LinkAddr.IsValid() {
			o.DefaultHop.LinkAddr = cand.LinkAddr
		}
	case cand.LQI > o.DefaultHop.LQI:
		old := o.DefaultHop
		o.DefaultHop = cand
		o.Secondary = &old
		m.moveDefaultRoute(o, old.Addr)
		o.TrigAddressReg = true
		slog.Info("nd: default hop changed", "interface", o.IfID, "br", o.BR,
			"hop", cand.Addr, "lqi", cand.LQI, "secondary", old.Addr)
	case o.Secondary == nil || o.Secondary.Addr == cand.Addr || cand.LQI > o.Secondary.LQI:
		c := cand
		o.Secondary = &c
	}
}

// moveDefaultRoute points routes that used old at the current default hop.
func (m *Machine) moveDefaultRoute(o *Object, old netip.Addr) {
	var moved []*rib.Route
	m.deleteRoutes(o, func(r *rib.Route) bool {
		if r.NextHop == old {
			moved = append(moved, r)
			return true
		}
		return false
	})
	for _, r := range moved {
		nr := *r
		nr.NextHop = o.DefaultHop.Addr
		m.addRoute(o, &nr)
	}
}

// forget drops everything learned from earlier RAs before a relearn.
func (m *Machine) forget(o *Object) {
	m.deleteRoutes(o, func(r *rib.Route) bool { return r.Source != rib.SourceRouterAdv })
	o.Prefixes = nil
	o.Contexts = [16]Context{}
	o.RouteInfos = nil
}

func (m *Machine) learn(o *Object, src netip.Addr, ra *ndp.RouterAdvertisement) {
	o.RouterLifetime = ra.RouterLifetime
	o.Flags = ra.Flags
	if ra.CurHopLimit != 0 {
		o.CurHopLimit = ra.CurHopLimit
	}
	if ra.ReachableTime != 0 {
		o.ReachableTime = ra.ReachableTime
	}
	if ra.RetransTimer != 0 {
		o.RetransTimer = ra.RetransTimer
	}
	if mtu, ok := ndp.Find[*ndp.MTU](ra.Options); ok && mtu.MTU >= 1280 {
		o.MTU = mtu.MTU
	}

	if ra.RouterLifetime == 0 {
		m.deleteRoutes(o, func(r *rib.Route) bool { return r.Source == rib.SourceRouterAdv })
	} else if o.DefaultHop.Valid() {
		m.addRoute(o, &rib.Route{
			Prefix:   netip.PrefixFrom(netip.IPv6Unspecified(), 0),
			NextHop:  o.DefaultHop.Addr,
			Source:   rib.SourceRouterAdv,
			Metric:   128,
			PMTU:     o.MTU,
			Lifetime: uint32(ra.RouterLifetime),
		})
	}

	for _, pio := range ndp.FindAll[*ndp.PrefixInformation](ra.Options) {
		m.updatePrefix(o, src, pio)
	}
	for _, co := range ndp.FindAll[*ndp.SixLoWPANContext](ra.Options) {
		if co.CID > 15 {
			continue
		}
		if co.Lifetime == 0 {
			o.Contexts[co.CID] = Context{}
			continue
		}
		o.Contexts[co.CID] = Context{Prefix: co.Net(), Compress: co.Compress, Lifetime: uint32(co.Lifetime) * 60}
	}
	for _, rio := range ndp.FindAll[*ndp.RouteInformation](ra.Options) {
		m.updateRouteInfo(o, src, rio)
	}
}

func (m *Machine) updatePrefix(o *Object, src netip.Addr, pio *ndp.PrefixInformation) {
	pfx := pio.Net()
	if pfx.Addr().IsLinkLocalUnicast() {
		return
	}
	i := slices.IndexFunc(o.Prefixes, func(p Prefix) bool { return p.Prefix == pfx })
	if pio.ValidLifetime == 0 {
		if i >= 0 {
			m.dropPrefix(o, o.Prefixes[i])
			o.Prefixes = slices.Delete(o.Prefixes, i, i+1)
		}
		return
	}
	p := Prefix{Prefix: pfx, Flags: pio.Flags, Valid: pio.ValidLifetime, Preferred: pio.PreferredLifetime}
	if i >= 0 {
		o.Prefixes[i] = p
	} else {
		if m.params.MaxPrefixes > 0 && len(o.Prefixes) >= m.params.MaxPrefixes {
			slog.Debug("nd: prefix limit reached", "interface", o.IfID, "prefix", pfx)
			return
		}
		o.Prefixes = append(o.Prefixes, p)
	}
	if p.OnLink() {
		m.addRoute(o, &rib.Route{Prefix: pfx, Source: rib.SourceOnLink, Lifetime: p.Valid})
	}
	if p.Autonomous() && pfx.Bits() == 64 {
		addr, created := m.env.Autoconfigure(o.IfID, pfx, p.Valid, p.Preferred)
		if created && addr.IsValid() {
			if !slices.Contains(o.regPending, addr) {
				o.regPending = append(o.regPending, addr)
			}
			o.TrigAddressReg = true
		}
	}
}

func (m *Machine) dropPrefix(o *Object, p Prefix) {
	m.deleteRoutes(o, func(r *rib.Route) bool {
		return r.Prefix == p.Prefix && r.Source == rib.SourceOnLink
	})
	if p.Autonomous() {
		m.env.Autoconfigure(o.IfID, p.Prefix, 0, 0)
	}
}

func (m *Machine) updateRouteInfo(o *Object, src netip.Addr, rio *ndp.RouteInformation) {
	pfx := rio.Net()
	match := func(r *rib.Route) bool { return r.Prefix == pfx && r.Source == rib.SourceRouteInfo }
	o.RouteInfos = slices.DeleteFunc(o.RouteInfos, func(ri RouteInfo) bool { return ri.Prefix == pfx })
	if rio.Lifetime == 0 {
		m.deleteRoutes(o, match)
		return
	}
	o.RouteInfos = append(o.RouteInfos, RouteInfo{Prefix: pfx, Preference: rio.Preference, Lifetime: rio.Lifetime})
	m.addRoute(o, &rib.Route{
		Prefix:   pfx,
		NextHop:  o.DefaultHop.Addr,
		Source:   rib.SourceRouteInfo,
		Metric:   preferenceMetric(rio.Preference),
		Lifetime: rio.Lifetime,
	})
}

// preferenceMetric maps an RFC 4191 preference onto a route metric.
func preferenceMetric(pref uint8) uint8 {
	switch pref & 0x18 {
	case 0x08: // high
		return 64
	case 0x18: // low
		return 192
	default:
		return 128
	}
}

// DefaultHopLost handles confirmed loss of the default hop on ifID. The
// secondary hop is promoted and registration restarts; with no secondary
// the object is dropped and a bootstrap restart is signalled.
func (m *Machine) DefaultHopLost(ifID int, hop netip.Addr) Signal {
	for _, o := range m.Objects(ifID) {
		if o.DefaultHop.Addr == hop {
			return m.defaultHopLost(o)
		}
		if o.Secondary != nil && o.Secondary.Addr == hop {
			o.Secondary = nil
		}
	}
	return SignalNone
}

func (m *Machine) defaultHopLost(o *Object) Signal {
	if o.State == StateBRReady {
		return SignalNone
	}
	old := o.DefaultHop.Addr
	if o.Secondary != nil {
		o.DefaultHop = *o.Secondary
		o.Secondary = nil
		m.moveDefaultRoute(o, old)
		o.TrigAddressReg = true
		slog.Info("nd: secondary hop promoted", "interface", o.IfID, "br", o.BR,
			"lost", old, "hop", o.DefaultHop.Addr)
		m.env.Neighbors(o.IfID).Remove(old)
		m.startRegistration(o)
		return SignalNone
	}
	slog.Warn("nd: default hop lost", "interface", o.IfID, "br", o.BR, "hop", old)
	m.removeObject(o)
	return SignalRestartBootstrap
}
