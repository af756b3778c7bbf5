package stack

import (
	"log/slog"
	"net/netip"

	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
)

// env is the stack seen from the ND machine and the core's ND handler.
type env Stack

func (e *env) stack() *Stack { return (*Stack)(e) }

func (e *env) SendND(ifID int, src, dst netip.Addr, m ndp.Message, lla ndp.LinkAddr) error {
	return e.core.SendND(ifID, src, dst, m, lla)
}

func (e *env) LinkLocal(ifID int) netip.Addr { return e.core.LinkLocal(ifID) }

func (e *env) GlobalAddress(ifID int, prefix netip.Prefix) netip.Addr {
	ifc := e.core.Interface(ifID)
	if ifc == nil {
		return netip.Addr{}
	}
	for _, p := range ifc.Addrs() {
		a := p.Addr()
		if a.IsLinkLocalUnicast() || a.IsLoopback() {
			continue
		}
		if !prefix.IsValid() || prefix.Contains(a) {
			return a
		}
	}
	return netip.Addr{}
}

func (e *env) IsOwnAddress(ifID int, addr netip.Addr) bool {
	return e.core.IsOwnAddress(ifID, addr)
}

func (e *env) LinkAddr(ifID int) ndp.LinkAddr {
	if ifc := e.core.Interface(ifID); ifc != nil {
		return ifc.LinkAddr()
	}
	return ndp.LinkAddr{}
}

func (e *env) EUI64(ifID int) ndp.EUI64 {
	if ifc, ok := e.ifaces[ifID]; ok {
		return ifc.eui
	}
	return ndp.EUI64{}
}

func (e *env) Neighbors(ifID int) nd.Neighbors {
	if nc := e.core.Neighbors(ifID); nc != nil {
		return nc
	}
	return nil
}

func (e *env) Autoconfigure(ifID int, prefix netip.Prefix, valid, preferred uint32) (netip.Addr, bool) {
	return e.stack().autoconfigure(ifID, prefix, valid, preferred)
}

func (e *env) WakePolling(ifID int) {
	slog.Debug("stack: data polling woken", "interface", ifID)
}

func (e *env) AddressDuplicate(ifID int, addr netip.Addr) {
	slog.Warn("stack: address is duplicate", "interface", ifID, "addr", addr)
	if e.OnDuplicate != nil {
		e.OnDuplicate(ifID, addr)
	}
}

// HandleND dispatches an ND message from the core to the ND machine.
func (e *env) HandleND(ifID int, src, dst netip.Addr, m ndp.Message) {
	s := e.stack()
	switch m := m.(type) {
	case *ndp.RouterSolicitation:
		s.nd.HandleRS(ifID, src, m)
	case *ndp.RouterAdvertisement:
		lla := e.sourceLinkAddr(ifID, m.Options)
		if s.nd.HandleRA(ifID, src, lla, e.linkQuality(ifID, lla), m) {
			e.applyRA(ifID, m)
		}
	case *ndp.NeighborSolicitation:
		s.nd.HandleNS(ifID, src, dst, m)
	case *ndp.NeighborAdvertisement:
		s.signal(ifID, s.nd.HandleNA(ifID, src, dst, m))
	case *ndp.DuplicateAddress:
		if m.Confirmation {
			s.nd.HandleDAC(ifID, src, m)
		} else {
			s.nd.HandleDAR(ifID, src, dst, m)
		}
	default:
		slog.Debug("stack: unhandled ND message", "interface", ifID, "type", m.Type())
	}
}

func (e *env) sourceLinkAddr(ifID int, opts []ndp.Option) ndp.LinkAddr {
	o, ok := ndp.SourceLinkAddr(opts)
	ifc := e.core.Interface(ifID)
	if !ok || ifc == nil {
		return ndp.LinkAddr{}
	}
	lla, _ := ifc.ParseLLAO(o)
	return lla
}

func (e *env) linkQuality(ifID int, lla ndp.LinkAddr) uint8 {
	ifc, ok := e.ifaces[ifID]
	if !ok {
		return 0
	}
	if q, ok := ifc.link.(QualityReporter); ok {
		return q.LinkQuality(lla)
	}
	return 0
}

// applyRA takes over the link parameters a router advertised (RFC 4861
// section 6.3.4) on an interface that accepts RAs.
func (e *env) applyRA(ifID int, ra *ndp.RouterAdvertisement) {
	ifc := e.core.Interface(ifID)
	if ifc == nil {
		return
	}
	if ra.CurHopLimit != 0 {
		ifc.CurHopLimit = ra.CurHopLimit
	}
	if o, ok := ndp.Find[*ndp.MTU](ra.Options); ok && o.MTU >= 1280 {
		ifc.MTU = o.MTU
	}
}
