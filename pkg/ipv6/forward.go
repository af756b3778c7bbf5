package ipv6

import (
	"encoding/binary"
	"log/slog"
	"net/netip"

	xipv6 "golang.org/x/net/ipv6"

	"github.com/psaab/lowpand/pkg/ndp"
)

func (c *Core) transportDown(b *Buffer, proto uint8) *Buffer {
	b.Proto = proto
	b.Flags |= FlagChecksum
	b.Stage = StageIPv6
	return b
}

// ipv6Down routes a locally originated payload and prepends the IPv6
// header.
func (c *Core) ipv6Down(b *Buffer) *Buffer {
	if b.Route == nil {
		ri, err := c.RouteTo(b.Dst, b.IfID, b.NextHop, nil)
		if err != nil {
			slog.Debug("ipv6: no route", "dst", b.Dst, "err", err)
			c.drop(b, DropNoRoute)
			return nil
		}
		b.Route = ri
	}
	ifc := c.ifaces[b.Route.IfID]
	if ifc == nil {
		c.drop(b, DropNoInterface)
		return nil
	}
	if !b.Src.IsValid() {
		if b.Src = c.SelectSource(ifc.ID, b.Dst); !b.Src.IsValid() {
			slog.Debug("ipv6: no source address", "interface", ifc.ID, "dst", b.Dst)
			c.drop(b, DropNoRoute)
			return nil
		}
	}
	if b.HopLimit == 0 {
		b.HopLimit = ifc.CurHopLimit
	}
	if len(b.Data) > MaxPayload {
		c.drop(b, DropTooBig)
		return nil
	}
	if b.Has(FlagChecksum) {
		fillChecksum(b.Proto, b.Src, b.Dst, b.Data)
		b.Flags &^= FlagChecksum
	}

	pkt := make([]byte, HeaderLen+len(b.Data))
	copy(pkt[HeaderLen:], b.Data)
	Header(pkt).Encode(&Fields{
		TrafficClass:  b.TrafficClass,
		PayloadLength: uint16(len(b.Data)),
		NextHeader:    b.Proto,
		HopLimit:      b.HopLimit,
		Src:           b.Src,
		Dst:           b.Dst,
	})
	b.Data = pkt
	b.Offset = HeaderLen
	b.Stage = StageForward
	return b
}

func checksumOffset(proto uint8) int {
	switch proto {
	case ProtoICMPv6:
		return 2
	case ProtoUDP:
		return 6
	case ProtoTCP:
		return 16
	}
	return -1
}

func fillChecksum(proto uint8, src, dst netip.Addr, payload []byte) {
	off := checksumOffset(proto)
	if off < 0 || len(payload) < off+2 {
		return
	}
	payload[off], payload[off+1] = 0, 0
	sum := ndp.PseudoChecksum(src, dst, proto, payload)
	if proto == ProtoUDP && sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(payload[off:], sum)
}

// forwardingDown loops packets for this node back up, re-checks the route
// and runs the multicast and extension header policies before
// transmission.
func (c *Core) forwardingDown(b *Buffer) *Buffer {
	h := b.Header()
	dst := h.Dst()
	if b.Route == nil || (!b.Route.Forced && b.Route.version != c.routes.Version()) {
		ri, err := c.RouteTo(dst, b.IfID, netip.Addr{}, nil)
		if err != nil {
			slog.Debug("ipv6: no route", "dst", dst, "err", err)
			c.drop(b, DropNoRoute)
			return nil
		}
		b.Route = ri
	}

	if !b.Has(FlagForwarded) && c.isForUs(b.Route.IfID, dst) {
		if !dst.IsMulticast() {
			return c.loopback(b)
		}
		// Local listeners get a copy; the original still goes out.
		if !b.Has(FlagBypassSecurity) {
			c.enqueue(c.loopback(b.Clone()))
		}
	}

	// Multicast forwarding is decided before the extension header hook so
	// that a tunnel rewrite never sees a group packet we would not forward.
	if dst.IsMulticast() && b.Has(FlagForwarded) {
		ifc := c.ifaces[b.Route.IfID]
		mf, ok := ifc.Link.(MulticastForwarder)
		if !ok || !mf.ForwardMulticast(b) {
			c.drop(b, DropNotForUs)
			return nil
		}
	}

	if c.extHook != nil {
		action, tunnelDst := c.extHook(b)
		switch action {
		case HookDrop:
			c.drop(b, DropHook)
			return nil
		case HookTunnel:
			if b.Has(FlagTunnelled) {
				slog.Debug("ipv6: tunnel requested twice", "dst", dst, "tunnel", tunnelDst)
				c.drop(b, DropTunnelLoop)
				return nil
			}
			return c.encapsulate(b, tunnelDst)
		}
	}
	b.Stage = StageTxRx
	return b
}

func (c *Core) loopback(b *Buffer) *Buffer {
	c.stats.Looped++
	b.Dir = Up
	b.Stage = StageForward
	b.Flags |= FlagLoopback
	b.IfID = b.Route.IfID
	b.Route = nil
	return b
}

// encapsulate wraps the whole packet in a new IPv6 header towards dst.
// The outer traffic class is copied from the inner one (RFC 6040 normal
// mode).
func (c *Core) encapsulate(b *Buffer, dst netip.Addr) *Buffer {
	inner := b.Header()
	slog.Debug("ipv6: encapsulating", "dst", inner.Dst(), "tunnel", dst)
	return &Buffer{
		Dir:          Down,
		Stage:        StageIPv6,
		Dst:          dst,
		Proto:        ProtoIPv6,
		Data:         b.Data,
		TrafficClass: inner.TrafficClass(),
		Flags:        FlagTunnelled | b.Flags&FlagSourceRouted,
		Done:         b.Done,
	}
}

// txDown fragments oversize packets and hands the rest to address
// resolution.
func (c *Core) txDown(b *Buffer) *Buffer {
	mtu := b.Route.PMTU
	subMinimum := mtu < MinimumMTU
	if subMinimum || b.Has(FlagUseMinMTU) {
		mtu = MinimumMTU
	}
	// A path MTU below the IPv6 minimum still gets a Fragment header,
	// even when the packet fits.
	atomic := subMinimum && !b.Has(FlagForwarded) && !b.Has(FlagFragmented)
	size := len(b.Data)
	if atomic {
		size += fragHeaderLen
	}
	if size > int(mtu) {
		if b.Has(FlagDontFragment) || b.Has(FlagForwarded) {
			c.drop(b, DropTooBig)
			return nil
		}
		frags, err := c.fragment(b, mtu)
		if err != nil {
			slog.Debug("ipv6: fragmentation failed", "dst", b.Header().Dst(), "err", err)
			c.drop(b, DropFragment)
			return nil
		}
		for _, f := range frags {
			c.enqueue(c.resolve(f))
		}
		return nil
	}
	if atomic {
		if err := c.atomicFragment(b); err != nil {
			c.drop(b, DropFragment)
			return nil
		}
	}
	return c.resolve(b)
}

func (c *Core) macDown(b *Buffer) *Buffer {
	var ifc *Interface
	if b.Route != nil {
		ifc = c.ifaces[b.Route.IfID]
	}
	if ifc == nil || ifc.Link == nil {
		c.drop(b, DropNoInterface)
		return nil
	}
	if err := ifc.Link.Transmit(b); err != nil {
		slog.Debug("ipv6: transmit failed", "interface", ifc.ID, "err", err)
		c.stats.Drops[DropLink]++
		b.finish(err)
		return nil
	}
	c.stats.Sent++
	b.finish(nil)
	return nil
}

// forwardingUp validates a received packet, runs Hop-by-Hop options and
// decides between local delivery and forwarding.
func (c *Core) forwardingUp(b *Buffer) *Buffer {
	ifc := c.ifaces[b.IfID]
	if ifc == nil {
		c.drop(b, DropNoInterface)
		return nil
	}
	hdr, err := xipv6.ParseHeader(b.Data)
	if err != nil || hdr.Version != 6 {
		c.drop(b, DropMalformed)
		return nil
	}
	src, _ := netip.AddrFromSlice(hdr.Src)
	dst, _ := netip.AddrFromSlice(hdr.Dst)

	// RFC 4291 sections 2.5.3 and 2.7.
	switch {
	case src.IsMulticast(),
		!b.Has(FlagLoopback) && (src.IsLoopback() || dst.IsLoopback()),
		dst.IsMulticast() && MulticastScope(dst) == ScopeReserved,
		!dst.IsMulticast() && b.Has(FlagLinkBroadcast):
		slog.Debug("ipv6: address rules violated", "interface", b.IfID, "src", src, "dst", dst)
		c.drop(b, DropBadAddress)
		return nil
	}
	total := HeaderLen + hdr.PayloadLen
	if len(b.Data) < total {
		c.drop(b, DropTruncated)
		return nil
	}
	b.Data = b.Data[:total]
	b.Src, b.Dst = src, dst
	b.HopLimit = uint8(hdr.HopLimit)
	b.TrafficClass = uint8(hdr.TrafficClass)

	// Hop-by-Hop options run before the destination check so that routing
	// options act on packets we only forward.
	nh, off, nhOff := uint8(hdr.NextHeader), HeaderLen, offNextHeader
	if nh == ProtoHopByHop {
		n, ok := extLen(b.Data, off)
		if !ok {
			c.drop(b, DropTruncated)
			return nil
		}
		if next, ok := c.processOptions(b, off, n); !ok {
			return next
		}
		nh, nhOff, off = b.Data[off], off, off+n
	}

	forUs := c.isForUs(b.IfID, dst)
	if dst.IsMulticast() {
		if MulticastScope(dst) > ScopeLinkLocal && ifc.Forwarding && !b.Has(FlagLoopback) {
			if !forUs {
				return c.forwardMulticast(b)
			}
			c.enqueue(c.forwardMulticast(b.Clone()))
		}
		if !forUs {
			c.drop(b, DropNotForUs)
			return nil
		}
	} else if !forUs {
		if !ifc.Forwarding || b.Has(FlagLoopback) {
			c.drop(b, DropNotForUs)
			return nil
		}
		return c.considerForwardingUnicast(b)
	}
	return c.walkHeaders(b, nh, off, nhOff)
}

// considerForwardingUnicast applies the hop limit, zone and path MTU
// checks to a packet routed through this node.
func (c *Core) considerForwardingUnicast(b *Buffer) *Buffer {
	h := b.Header()
	if h.HopLimit() < 2 {
		return c.icmpError(b, DropHopLimit, icmpTimeExceeded, codeHopLimitExceeded, 0)
	}
	src, dst := h.Src(), h.Dst()
	if src.IsUnspecified() || dst.IsLinkLocalUnicast() {
		c.drop(b, DropScope)
		return nil
	}
	ri, err := c.RouteTo(dst, NoInterface, netip.Addr{}, nil)
	if err != nil {
		return c.icmpError(b, DropNoRoute, icmpDestUnreach, codeNoRoute, 0)
	}
	// RFC 4007 section 9: a packet must not leave the zone of its
	// source.
	if Scope(src) <= ScopeLinkLocal && ri.IfID != b.IfID {
		return c.icmpError(b, DropScope, icmpDestUnreach, codeBeyondScope, 0)
	}
	// A sub-minimum path MTU only affects packets we originate; anything
	// up to the IPv6 minimum is forwarded.
	mtu := max(ri.PMTU, MinimumMTU)
	if len(b.Data) > int(mtu) {
		return c.icmpError(b, DropTooBig, icmpPacketTooBig, 0, mtu)
	}

	// Written into the packet itself; the header is not rebuilt on the
	// forwarding path. Errors above quote the packet as received.
	h.SetHopLimit(h.HopLimit() - 1)

	if sf, ok := c.ifaces[b.IfID].Link.(SpecialForwarder); ok {
		switch sf.SpecialForwarding(b, b.IfID, ri.IfID) {
		case VerdictDrop:
			c.drop(b, DropHook)
			return nil
		case VerdictConsumed:
			return nil
		}
	}

	b.Route = ri
	b.IfID = ri.IfID
	b.Flags = b.Flags&^(FlagLinkBroadcast|FlagLinkDst) | FlagForwarded
	b.LinkDst = ndp.LinkAddr{}
	b.Dir, b.Stage = Down, StageForward
	c.stats.Forwarded++
	return b
}

// forwardMulticast turns a received group packet of wider than link scope
// around for forwarding. Whether it actually leaves is up to the outgoing
// link's MulticastForwarder.
func (c *Core) forwardMulticast(b *Buffer) *Buffer {
	h := b.Header()
	if h.HopLimit() < 2 {
		c.drop(b, DropHopLimit)
		return nil
	}
	h.SetHopLimit(h.HopLimit() - 1)
	b.Route = nil
	b.IfID = NoInterface
	b.Flags = b.Flags&^(FlagLinkBroadcast|FlagLinkDst) | FlagForwarded
	b.Dir, b.Stage = Down, StageForward
	c.stats.Forwarded++
	return b
}

// tunnelExit decapsulates an IPv6-in-IPv6 packet addressed to us and
// feeds the inner packet back into forwarding.
func (c *Core) tunnelExit(b *Buffer) *Buffer {
	inner := b.Data[b.Offset:]
	if len(inner) < HeaderLen || Header(inner).Version() != 6 {
		c.drop(b, DropMalformed)
		return nil
	}
	ih := Header(inner)
	e, ok := CombineECN(b.Header().ECN(), ih.ECN())
	if !ok {
		slog.Debug("ipv6: ECN combination dropped", "src", ih.Src(), "dst", ih.Dst())
		c.drop(b, DropECN)
		return nil
	}
	ih.SetECN(e)
	b.Data = inner
	b.Offset = 0
	b.Flags &^= FlagLinkBroadcast
	b.Stage = StageForward
	return b
}

func (c *Core) deliver(b *Buffer) *Buffer {
	if c.upper != nil && c.upper.Deliver(b) {
		c.stats.Delivered++
		b.finish(nil)
		return nil
	}
	if b.Stage == StageUDP {
		return c.icmpError(b, DropNoListener, icmpDestUnreach, codePortUnreachable, 0)
	}
	c.drop(b, DropNoListener)
	return nil
}
