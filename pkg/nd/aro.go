package nd

import (
	"log/slog"
	"net/netip"
	"slices"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/neighbor"
)

// linkAddrLen is the number of address bytes in link-layer address
// options on ifID.
func (m *Machine) linkAddrLen(ifID int) int {
	if n := m.env.LinkAddr(ifID).Len(); n > 0 {
		return n
	}
	return 8
}

func (m *Machine) sourceLinkAddr(ifID int, opts []ndp.Option) (ndp.LinkAddr, bool) {
	o, ok := ndp.SourceLinkAddr(opts)
	if !ok {
		return ndp.LinkAddr{}, false
	}
	return o.Trim(m.linkAddrLen(ifID))
}

// HandleNS processes a Neighbor Solicitation received on ifID. Plain
// solicitations for one of our addresses are answered at once. An NS
// carrying an ARO registers src; the NA is sent immediately unless the
// registration was relayed to the border router as a DAR, in which case
// it follows the DAC.
func (m *Machine) HandleNS(ifID int, src, dst netip.Addr, ns *ndp.NeighborSolicitation) {
	ifc, ok := m.ifaces[ifID]
	if !ok || !m.env.IsOwnAddress(ifID, ns.Target) {
		return
	}
	nbrs := m.env.Neighbors(ifID)
	if src.IsUnspecified() {
		// Duplicate address detection probe for an address we hold.
		m.sendNA(ifID, ns.Target, ndp.AllNodes, ns.Target, false, nil, ndp.LinkAddr{})
		return
	}
	lla, llaOK := m.sourceLinkAddr(ifID, ns.Options)
	aro, hasARO := ndp.Find[*ndp.AddressRegistration](ns.Options)
	if !hasARO || src.IsLinkLocalUnicast() || !llaOK {
		if llaOK {
			nbrs.Learn(src, lla, true, false, true)
		}
		m.sendNA(ifID, ns.Target, src, ns.Target, true, nil, ndp.LinkAddr{})
		return
	}

	status, reply := m.register(ifc, src, ns.Target, lla, aro)
	if !reply {
		return
	}
	m.countARO(status)
	m.sendNA(ifID, ns.Target, src, ns.Target, true,
		&ndp.AddressRegistration{Status: status, Lifetime: aro.Lifetime, EUI64: aro.EUI64}, lla)
}

// register applies an address registration for src. reply is false when
// the NS must be dropped or its answer waits on a DAC.
func (m *Machine) register(ifc *iface, src, target netip.Addr, lla ndp.LinkAddr, aro *ndp.AddressRegistration) (status uint8, reply bool) {
	ifID := ifc.cfg.IfID
	nbrs := m.env.Neighbors(ifID)

	if m.env.IsOwnAddress(ifID, src) {
		return ndp.StatusDuplicate, true
	}
	t, eui, exists := nbrs.Registration(src)
	if !exists && ifc.cfg.ChildLimit > 0 && nbrs.Registrations() >= ifc.cfg.ChildLimit {
		slog.Debug("nd: registration refused, child limit", "interface", ifID, "addr", src)
		return ndp.StatusFull, true
	}
	if exists {
		switch {
		case t == neighbor.TypeTentative && eui != aro.EUI64 && !eui.IsZero():
			slog.Debug("nd: registration race, NS dropped", "interface", ifID, "addr", src,
				"owner", eui, "eui64", aro.EUI64)
			return 0, false
		case t == neighbor.TypeRegistered && eui != aro.EUI64:
			return ndp.StatusDuplicate, true
		}
	}

	lifetime := uint32(aro.Lifetime) * 60
	if ifc.cfg.Mode == ModeBorderRouter || !m.params.MultihopDAD {
		status := ndp.StatusSuccess
		if m.wb != nil {
			status = m.wb.Update(src, aro.EUI64, ifID, lifetime)
		}
		m.applyRegistration(nbrs, src, status, aro.EUI64, lla, lifetime)
		return status, true
	}

	if aro.Lifetime != 0 {
		nbrs.Register(src, neighbor.TypeTentative, aro.EUI64, lla, lifetime)
	}
	o := m.ObjectForAddress(src)
	if o == nil || !o.BR.IsValid() {
		slog.Debug("nd: no border router for registration", "interface", ifID, "addr", src)
		m.applyRegistration(nbrs, src, ndp.StatusFull, aro.EUI64, lla, lifetime)
		return ndp.StatusFull, true
	}
	dar := &ndp.DuplicateAddress{Lifetime: aro.Lifetime, EUI64: aro.EUI64, Address: src}
	darSrc := m.env.GlobalAddress(o.IfID, objectPrefix(o))
	if err := m.env.SendND(o.IfID, darSrc, o.BR, dar, ndp.LinkAddr{}); err != nil {
		slog.Debug("nd: DAR send failed", "interface", ifID, "br", o.BR, "err", err)
		m.applyRegistration(nbrs, src, ndp.StatusFull, aro.EUI64, lla, lifetime)
		return ndp.StatusFull, true
	}
	m.stats.DARSent++
	m.relays[relayKey{ifID: ifID, addr: src}] = &relay{
		ifID:     ifID,
		obj:      o,
		addr:     src,
		target:   target,
		eui:      aro.EUI64,
		lla:      lla,
		lifetime: aro.Lifetime,
		timeout:  m.params.NSForwardTimeout,
	}
	return 0, false
}

func objectPrefix(o *Object) netip.Prefix {
	for _, p := range o.Prefixes {
		if p.Autonomous() {
			return p.Prefix
		}
	}
	return netip.Prefix{}
}

// applyRegistration records the outcome of a registration in the neighbor
// cache.
func (m *Machine) applyRegistration(nbrs Neighbors, addr netip.Addr, status uint8, eui ndp.EUI64, lla ndp.LinkAddr, lifetime uint32) {
	if status != ndp.StatusSuccess || lifetime == 0 {
		nbrs.Remove(addr)
		return
	}
	nbrs.Register(addr, neighbor.TypeRegistered, eui, lla, lifetime)
}

func (m *Machine) countARO(status uint8) {
	if int(status) < len(m.stats.ARO) {
		m.stats.ARO[status]++
	}
}

// HandleDAC completes a relayed registration.
func (m *Machine) HandleDAC(ifID int, src netip.Addr, dac *ndp.DuplicateAddress) {
	m.stats.DACReceived++
	var key relayKey
	var r *relay
	for k, v := range m.relays {
		if v.addr == dac.Address && v.eui == dac.EUI64 {
			key, r = k, v
			break
		}
	}
	if r == nil {
		slog.Debug("nd: unexpected DAC", "interface", ifID, "from", src, "addr", dac.Address)
		return
	}
	delete(m.relays, key)

	nbrs := m.env.Neighbors(r.ifID)
	lifetime := uint32(dac.Lifetime) * 60
	m.applyRegistration(nbrs, r.addr, dac.Status, r.eui, r.lla, lifetime)
	m.countARO(dac.Status)
	slog.Debug("nd: DAC relayed", "interface", r.ifID, "addr", r.addr, "status", dac.Status)

	// The NA is sourced from our link-local address whatever the NS
	// targeted.
	m.sendNA(r.ifID, m.env.LinkLocal(r.ifID), r.addr, r.target, true,
		&ndp.AddressRegistration{Status: dac.Status, Lifetime: dac.Lifetime, EUI64: r.eui}, r.lla)
}

// HandleDAR processes a Duplicate Address Request at the border router
// and answers with a DAC.
func (m *Machine) HandleDAR(ifID int, src, dst netip.Addr, dar *ndp.DuplicateAddress) {
	ifc, ok := m.ifaces[ifID]
	if !ok || ifc.cfg.Mode != ModeBorderRouter || m.wb == nil {
		return
	}
	status := m.wb.Update(dar.Address, dar.EUI64, ifID, uint32(dar.Lifetime)*60)
	dac := &ndp.DuplicateAddress{
		Confirmation: true,
		Status:       status,
		Lifetime:     dar.Lifetime,
		EUI64:        dar.EUI64,
		Address:      dar.Address,
	}
	from := dst
	if !m.env.IsOwnAddress(ifID, from) {
		from = m.env.GlobalAddress(ifID, netip.Prefix{})
	}
	if err := m.env.SendND(ifID, from, src, dac, ndp.LinkAddr{}); err != nil {
		slog.Debug("nd: DAC send failed", "interface", ifID, "dst", src, "err", err)
		return
	}
	m.stats.DACSent++
}

// HandleNA processes a Neighbor Advertisement. An NA with an ARO answers
// our own registration with the default hop.
func (m *Machine) HandleNA(ifID int, src, dst netip.Addr, na *ndp.NeighborAdvertisement) Signal {
	if _, ok := m.ifaces[ifID]; !ok {
		return SignalNone
	}
	var lla ndp.LinkAddr
	if o, ok := ndp.TargetLinkAddr(na.Options); ok {
		lla, _ = o.Trim(m.linkAddrLen(ifID))
	}
	aro, hasARO := ndp.Find[*ndp.AddressRegistration](na.Options)
	if !hasARO {
		m.env.Neighbors(ifID).Learn(na.Target, lla,
			false, na.Flags&ndp.NASolicited != 0, na.Flags&ndp.NAOverride != 0)
		return SignalNone
	}

	var o *Object
	for _, c := range m.Objects(ifID) {
		if c.DefaultHop.Addr == src || c.DefaultHop.Addr == na.Target {
			o = c
			break
		}
	}
	if o == nil {
		return SignalNone
	}
	if lla.IsValid() {
		o.DefaultHop.LinkAddr = lla
	}
	switch aro.Status {
	case ndp.StatusSuccess:
		o.regPending = slices.DeleteFunc(o.regPending, func(a netip.Addr) bool { return a == dst })
		if len(o.regPending) == 0 {
			o.TrigAddressReg = false
			o.Retry = 0
			o.timer = 0
			slog.Info("nd: address registered", "interface", ifID, "addr", dst, "hop", src)
		}
	case ndp.StatusDuplicate:
		o.regPending = slices.DeleteFunc(o.regPending, func(a netip.Addr) bool { return a == dst })
		if len(o.regPending) == 0 {
			o.TrigAddressReg = false
			o.timer = 0
		}
		slog.Warn("nd: address registration duplicate", "interface", ifID, "addr", dst, "hop", src)
		m.env.AddressDuplicate(ifID, dst)
	default:
		slog.Warn("nd: registration refused", "interface", ifID, "addr", dst, "hop", src, "status", aro.Status)
		return m.defaultHopLost(o)
	}
	return SignalNone
}

func (m *Machine) sendNA(ifID int, src, dst, target netip.Addr, solicited bool, aro *ndp.AddressRegistration, lla ndp.LinkAddr) {
	na := &ndp.NeighborAdvertisement{Flags: ndp.NAOverride, Target: target}
	if solicited {
		na.Flags |= ndp.NASolicited
	}
	if ifc := m.ifaces[ifID]; ifc != nil && ifc.cfg.Mode != ModeHost {
		na.Flags |= ndp.NARouter
	}
	if own := m.env.LinkAddr(ifID); own.IsValid() {
		na.Options = append(na.Options, ndp.NewLinkLayerAddress(ndp.Target, own))
	}
	if aro != nil {
		na.Options = append(na.Options, aro)
	}
	if err := m.env.SendND(ifID, src, dst, na, lla); err != nil {
		slog.Debug("nd: NA send failed", "interface", ifID, "dst", dst, "err", err)
	}
}
