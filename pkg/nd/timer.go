package nd

import (
	"log/slog"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ndp"
)

// Discover starts multicast router solicitation on ifID when it has no
// router object yet. Border router interfaces never solicit.
func (m *Machine) Discover(ifID int) {
	ifc, ok := m.ifaces[ifID]
	if !ok || ifc.cfg.Mode == ModeBorderRouter || !ifc.cfg.AcceptRA {
		return
	}
	if len(m.Objects(ifID)) > 0 {
		return
	}
	ifc.discovery = m.params.RSRetryMax
	ifc.discoveryTimer = 1
	if ifc.cfg.Sleepy {
		m.env.WakePolling(ifID)
	}
}

// Timer runs the retry timers of ifID forward by ticks. Only the first
// router object on the interface is serviced per call unless
// Params.TimerAllObjects is set.
func (m *Machine) Timer(ifID int, ticks uint32) Signal {
	ifc, ok := m.ifaces[ifID]
	if !ok {
		return SignalNone
	}
	m.relayTimer(ifID, ticks)

	objs := m.Objects(ifID)
	if len(objs) == 0 {
		return m.discoveryTimer(ifc, ticks)
	}
	sig := SignalNone
	for _, o := range objs {
		if s := m.objectTimer(o, ticks); s != SignalNone {
			sig = s
		}
		if !m.params.TimerAllObjects {
			break
		}
	}
	return sig
}

func (m *Machine) discoveryTimer(ifc *iface, ticks uint32) Signal {
	if ifc.discoveryTimer == 0 {
		return SignalNone
	}
	if ifc.discoveryTimer > ticks {
		ifc.discoveryTimer -= ticks
		return SignalNone
	}
	ifc.discoveryTimer = 0
	if ifc.discovery == 0 {
		// Nothing answered; keep soliciting at the slow rate.
		ifc.discovery = m.params.RSRetryMax
		ifc.discoveryTimer = m.jitter(m.params.RSRetryIntervalMin * 10)
		return SignalNone
	}
	ifc.discovery--
	m.sendRS(ifc.cfg.IfID, ndp.AllRouters, ndp.LinkAddr{})
	ifc.discoveryTimer = m.jitter(m.params.RSRetryIntervalMin)
	return SignalNone
}

func (m *Machine) objectTimer(o *Object, ticks uint32) Signal {
	if o.timer == 0 {
		return SignalNone
	}
	if o.timer > ticks {
		o.timer -= ticks
		return SignalNone
	}
	o.timer = 0

	switch o.State {
	case StateRSUnicast:
		if o.Retry == 0 {
			slog.Info("nd: unicast solicitation exhausted", "interface", o.IfID, "br", o.BR)
			o.State = StateRSMulticast
			o.Retry = m.params.RSRetryMax
			o.timer = 1
			return SignalNone
		}
		o.Retry--
		m.sendRS(o.IfID, o.DefaultHop.Addr, o.DefaultHop.LinkAddr)
		o.timer = m.jitter(m.params.RSRetryIntervalMin)
	case StateRSMulticast:
		if o.Retry == 0 {
			slog.Warn("nd: multicast solicitation exhausted", "interface", o.IfID, "br", o.BR)
			m.removeObject(o)
			return SignalRestartBootstrap
		}
		o.Retry--
		m.sendRS(o.IfID, ndp.AllRouters, ndp.LinkAddr{})
		o.timer = m.jitter(m.params.RSRetryIntervalMin)
	case StateReady:
		if !o.TrigAddressReg {
			return SignalNone
		}
		if o.Retry == 0 {
			slog.Warn("nd: address registration exhausted", "interface", o.IfID, "hop", o.DefaultHop.Addr)
			return m.defaultHopLost(o)
		}
		o.Retry--
		m.sendRegistration(o)
		o.timer = m.jitter(m.params.NSRetryIntervalMin)
	}
	return SignalNone
}

// SlowTimer ages lifetimes on ifID by seconds.
func (m *Machine) SlowTimer(ifID int, seconds uint32) Signal {
	sig := SignalNone
	for _, o := range m.Objects(ifID) {
		if s := m.objectSlowTimer(o, seconds); s != SignalNone {
			sig = s
		}
	}
	m.advertisedSlowTimer(ifID, seconds)
	if m.wb != nil {
		if ifc, ok := m.ifaces[ifID]; ok && ifc.cfg.Mode == ModeBorderRouter {
			m.wb.Tick(seconds)
		}
	}
	return sig
}

func (m *Machine) objectSlowTimer(o *Object, seconds uint32) Signal {
	if o.ReValidate > 0 {
		if o.ReValidate > seconds {
			o.ReValidate -= seconds
		} else {
			o.ReValidate = 0
			m.revalidate(o)
		}
	}

	for i := range o.Contexts {
		c := &o.Contexts[i]
		if !c.Valid() || c.Lifetime == lifetimeInfinite {
			continue
		}
		if c.Lifetime > seconds {
			c.Lifetime -= seconds
		} else {
			slog.Debug("nd: context expired", "interface", o.IfID, "cid", i)
			*c = Context{}
		}
	}

	expired := false
	kept := o.Prefixes[:0]
	for _, p := range o.Prefixes {
		if p.Valid == lifetimeInfinite {
			kept = append(kept, p)
			continue
		}
		if p.Valid > seconds {
			p.Valid -= seconds
			if p.Preferred != lifetimeInfinite {
				p.Preferred = subFloor(p.Preferred, seconds)
			}
			kept = append(kept, p)
			continue
		}
		slog.Info("nd: prefix expired", "interface", o.IfID, "prefix", p.Prefix)
		m.dropPrefix(o, p)
		if p.Autonomous() {
			expired = true
		}
	}
	o.Prefixes = kept

	kri := o.RouteInfos[:0]
	for _, ri := range o.RouteInfos {
		if ri.Lifetime != lifetimeInfinite {
			if ri.Lifetime <= seconds {
				continue
			}
			ri.Lifetime -= seconds
		}
		kri = append(kri, ri)
	}
	o.RouteInfos = kri

	if expired && o.State != StateBRReady {
		m.removeObject(o)
		return SignalRestartBootstrap
	}
	return SignalNone
}

// revalidate starts soliciting the default hop again, or for a border
// router refreshes its advertisements.
func (m *Machine) revalidate(o *Object) {
	switch o.State {
	case StateReady:
		slog.Info("nd: revalidating default hop", "interface", o.IfID, "br", o.BR, "hop", o.DefaultHop.Addr)
		o.State = StateRSUnicast
		o.Retry = m.params.RSRetryMax
		o.timer = 1
		if ifc := m.ifaces[o.IfID]; ifc != nil && ifc.cfg.Sleepy {
			m.env.WakePolling(o.IfID)
		}
	case StateBRReady:
		o.ReValidate = brRevalidate(o.RouterLifetime)
		if m.sched != nil {
			m.sched.Restart(o.IfID, o.BR)
		}
	}
}

func brRevalidate(lifetime uint16) uint32 {
	if lifetime == 0 {
		return 600
	}
	return uint32(lifetime) * 4 / 5
}

func (m *Machine) sendRS(ifID int, dst netip.Addr, lla ndp.LinkAddr) {
	src := m.env.LinkLocal(ifID)
	rs := &ndp.RouterSolicitation{}
	if own := m.env.LinkAddr(ifID); own.IsValid() && src.IsValid() {
		rs.Options = append(rs.Options, ndp.NewLinkLayerAddress(ndp.Source, own))
	}
	if !src.IsValid() {
		src = netip.IPv6Unspecified()
	}
	if err := m.env.SendND(ifID, src, dst, rs, lla); err != nil {
		slog.Debug("nd: RS send failed", "interface", ifID, "dst", dst, "err", err)
		return
	}
	m.stats.RSSent++
}

// startRegistration arms NS+ARO registration of the node's addresses with
// the default hop.
func (m *Machine) startRegistration(o *Object) {
	if o.State == StateBRReady || !o.DefaultHop.Valid() {
		return
	}
	o.TrigAddressReg = true
	o.Retry = m.params.NSRetryMax
	o.timer = 1
}

func (m *Machine) registrationAddrs(o *Object) []netip.Addr {
	if len(o.regPending) > 0 {
		return o.regPending
	}
	var out []netip.Addr
	for _, p := range o.Prefixes {
		if !p.Autonomous() {
			continue
		}
		if a := m.env.GlobalAddress(o.IfID, p.Prefix); a.IsValid() {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		if a := m.env.GlobalAddress(o.IfID, netip.Prefix{}); a.IsValid() {
			out = append(out, a)
		}
	}
	return out
}

func (m *Machine) sendRegistration(o *Object) {
	addrs := m.registrationAddrs(o)
	if len(addrs) == 0 {
		o.TrigAddressReg = false
		return
	}
	if len(o.regPending) == 0 {
		o.regPending = append(o.regPending, addrs...)
	}
	own := m.env.LinkAddr(o.IfID)
	eui := m.env.EUI64(o.IfID)
	for _, a := range addrs {
		ns := &ndp.NeighborSolicitation{
			Target: o.DefaultHop.Addr,
			Options: []ndp.Option{
				ndp.NewLinkLayerAddress(ndp.Source, own),
				&ndp.AddressRegistration{Lifetime: m.params.RegistrationLifetime, EUI64: eui},
			},
		}
		if err := m.env.SendND(o.IfID, a, o.DefaultHop.Addr, ns, o.DefaultHop.LinkAddr); err != nil {
			slog.Debug("nd: registration send failed", "interface", o.IfID, "addr", a, "err", err)
			continue
		}
		m.stats.NSRegSent++
	}
}

func (m *Machine) relayTimer(ifID int, ticks uint32) {
	for k, r := range m.relays {
		if k.ifID != ifID {
			continue
		}
		if r.timeout > ticks {
			r.timeout -= ticks
			continue
		}
		delete(m.relays, k)
		m.stats.RelayTimeouts++
		slog.Info("nd: DAR relay timed out", "interface", ifID, "addr", r.addr, "br", r.obj.BR)
		if r.obj.ReValidate > 10 {
			r.obj.ReValidate = 10
		}
	}
}

const lifetimeInfinite = ^uint32(0)

func subFloor(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return 0
}
