package ipv6

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/neighbor"
	"github.com/psaab/lowpand/pkg/rib"
)

// multihopHopLimit is used for DAR and DAC (RFC 6775 section 9).
const multihopHopLimit = 64

// resolve fills in the link-layer destination of b from the neighbor
// cache. It returns nil when b was queued for resolution or dropped.
func (c *Core) resolve(b *Buffer) *Buffer {
	b.Stage = StageMAC
	if b.Has(FlagLinkDst) {
		return b
	}
	nh := b.Route.NextHop
	if nh.IsMulticast() {
		b.LinkDst = ndp.LinkAddr{}
		b.Flags |= FlagLinkBroadcast
		return b
	}
	ifID := b.Route.IfID
	nc := c.nbrs[ifID]
	if nc == nil {
		c.drop(b, DropNoInterface)
		return nil
	}
	e, _ := nc.LookupOrCreate(nh)
	if e.State == neighbor.StateNew || e.State == neighbor.StateIncomplete {
		if m, ok := c.ifaces[ifID].Link.(LinkAddrMapper); ok {
			if lla, ok := m.MapIPToLinkAddr(nh); ok {
				nc.Update(e, lla, false, true)
			}
		}
	}
	if e.State == neighbor.StateNew || e.State == neighbor.StateIncomplete || !e.LinkAddr.IsValid() {
		c.queue(ifID, nc, e, b)
		return nil
	}
	b.LinkDst = e.LinkAddr
	// Link-local control traffic says nothing about reachability.
	if !(b.Has(FlagBypassSecurity) && nh.IsLinkLocalUnicast()) {
		nc.Used(e)
	}
	return b
}

// queue parks b on an unresolved entry. The oldest waiting packet is
// failed when the queue is full.
func (c *Core) queue(ifID int, nc *neighbor.Cache[*Buffer], e *neighbor.Entry[*Buffer], b *Buffer) {
	if e.State != neighbor.StateNew && e.State != neighbor.StateIncomplete {
		c.drop(b, DropResolution)
		return
	}
	for len(e.Queue) >= c.cfg.QueueLimit {
		old := e.Queue[0]
		e.Queue[0] = nil
		e.Queue = e.Queue[1:]
		c.stats.ResolutionEvicted++
		slog.Debug("ipv6: resolution queue full", "interface", ifID, "neighbor", e.Addr)
		c.drop(old, DropQueueOverflow)
	}
	e.Queue = append(e.Queue, b)
	c.stats.ResolutionQueued++
	if e.State == neighbor.StateNew {
		nc.StartResolution(e)
	}
}

// SendND transmits an ND message from src to dst on ifID. A valid lla
// skips address resolution. DAR and DAC are routed; everything else is
// link-scoped.
func (c *Core) SendND(ifID int, src, dst netip.Addr, m ndp.Message, lla ndp.LinkAddr) error {
	ifc, ok := c.ifaces[ifID]
	if !ok {
		return fmt.Errorf("send %v: %w", m.Type(), ErrNoInterface)
	}
	if !src.IsValid() {
		if src = c.SelectSource(ifID, dst); !src.IsValid() {
			return fmt.Errorf("send %v to %s: %w", m.Type(), dst, ErrNoSource)
		}
	}
	payload, err := ndp.Marshal(m, src, dst)
	if err != nil {
		return err
	}
	b := &Buffer{
		Dir:      Down,
		Stage:    StageIPv6,
		IfID:     ifID,
		Src:      src,
		Dst:      dst,
		Proto:    ProtoICMPv6,
		Data:     payload,
		HopLimit: ndp.HopLimit,
		Flags:    FlagBypassSecurity,
	}
	switch m.Type() {
	case ndp.TypeDuplicateAddressRequest, ndp.TypeDuplicateAddressConfirmation:
		ri, err := c.RouteTo(dst, ifID, netip.Addr{}, nil)
		if err != nil {
			return fmt.Errorf("send %v to %s: %w", m.Type(), dst, err)
		}
		b.Route = ri
		b.HopLimit = multihopHopLimit
		b.Flags = 0
	default:
		b.Route = &RouteInfo{IfID: ifID, NextHop: dst, PMTU: ifc.MTU, Source: rib.SourceOnLink, Forced: true}
	}
	if lla.IsValid() {
		b.LinkDst = lla
		b.Flags |= FlagLinkDst
	}
	c.Process(b)
	return nil
}

// resolver is the neighbor cache handler of one interface.
type resolver struct {
	c    *Core
	ifID int
}

func (r *resolver) Solicit(e *neighbor.Entry[*Buffer], unicast bool) {
	c := r.c
	ifc := c.ifaces[r.ifID]
	if ifc == nil {
		return
	}
	// RFC 4861 section 7.2.2: prefer the source of the packet that
	// prompted the solicitation.
	var src netip.Addr
	if len(e.Queue) > 0 {
		if s := e.Queue[0].Header().Src(); c.IsOwnAddress(r.ifID, s) {
			src = s
		}
	}
	if !src.IsValid() {
		src = c.SelectSource(r.ifID, e.Addr)
	}
	if !src.IsValid() {
		slog.Debug("ipv6: no source for solicitation", "interface", r.ifID, "target", e.Addr)
		return
	}
	dst, lla := SolicitedNode(e.Addr), ndp.LinkAddr{}
	if unicast && e.LinkAddr.IsValid() {
		dst, lla = e.Addr, e.LinkAddr
	}
	if t, ok := ifc.Link.(NSTransmitter); ok && t.TransmitNS(e.Addr, src, unicast, lla) {
		return
	}
	ns := &ndp.NeighborSolicitation{Target: e.Addr}
	if o, ok := ifc.WriteLLAO(ndp.Source); ok {
		ns.Options = append(ns.Options, o)
	}
	if err := c.SendND(r.ifID, src, dst, ns, lla); err != nil {
		slog.Debug("ipv6: solicitation failed", "interface", r.ifID, "target", e.Addr, "err", err)
	}
}

// Resolved sends the waiting packets, oldest first.
func (r *resolver) Resolved(e *neighbor.Entry[*Buffer]) {
	q := e.Queue
	e.Queue = nil
	if len(q) > 0 {
		slog.Debug("ipv6: neighbor resolved", "interface", r.ifID, "neighbor", e.Addr, "queued", len(q))
	}
	for _, b := range q {
		b.LinkDst = e.LinkAddr
		b.Flags |= FlagLinkDst
		b.Stage = StageMAC
		r.c.Process(b)
	}
}

// Failed reports every waiting packet unreachable.
func (r *resolver) Failed(e *neighbor.Entry[*Buffer]) {
	q := e.Queue
	e.Queue = nil
	for _, b := range q {
		r.c.stats.ResolutionFailures++
		code := codeAddressUnreachable
		if b.Has(FlagSourceRouted) {
			code = codeSourceRouteError
		}
		r.c.Process(r.c.icmpError(b, DropResolution, icmpDestUnreach, code, 0))
	}
}
