package ipv6

import (
	"encoding/binary"
	"log/slog"

	"golang.org/x/net/icmp"
	xipv6 "golang.org/x/net/ipv6"

	"github.com/psaab/lowpand/pkg/ndp"
)

const (
	icmpDestUnreach  = xipv6.ICMPTypeDestinationUnreachable
	icmpPacketTooBig = xipv6.ICMPTypePacketTooBig
	icmpTimeExceeded = xipv6.ICMPTypeTimeExceeded
	icmpParamProblem = xipv6.ICMPTypeParameterProblem
)

// ICMPv6 error codes (RFC 4443, RFC 6554).
const (
	codeNoRoute            = 0
	codeBeyondScope        = 2
	codeAddressUnreachable = 3
	codePortUnreachable    = 4
	codeSourceRouteError   = 7

	codeHopLimitExceeded  = 0
	codeReassemblyTimeout = 1

	codeErroneousField         = 0
	codeUnrecognizedNextHeader = 1
	codeUnrecognizedOption     = 2
)

// maxQuote keeps an error message within the minimum MTU.
const maxQuote = MinimumMTU - HeaderLen - 8

// icmpError drops b for why and returns the ICMPv6 error reporting it, or
// nil when RFC 4443 section 2.4 or the rate limit rules the error out.
func (c *Core) icmpError(b *Buffer, why DropReason, typ xipv6.ICMPType, code int, param uint32) *Buffer {
	c.drop(b, why)
	if len(b.Data) < HeaderLen {
		return nil
	}
	h := b.Header()
	src, dst := h.Src(), h.Dst()
	if !mayReport(b, typ, code) {
		c.stats.ICMPSuppressed++
		return nil
	}
	if !c.limiter.AllowN(c.now(), 1) {
		c.stats.ICMPRateLimited++
		return nil
	}

	quote := b.Data
	if len(quote) > maxQuote {
		quote = quote[:maxQuote]
	}
	var body icmp.MessageBody
	switch typ {
	case icmpDestUnreach:
		body = &icmp.DstUnreach{Data: quote}
		c.stats.DestUnreachSent++
	case icmpPacketTooBig:
		body = &icmp.PacketTooBig{MTU: int(param), Data: quote}
		c.stats.PacketTooBigSent++
	case icmpTimeExceeded:
		body = &icmp.TimeExceeded{Data: quote}
		c.stats.TimeExceededSent++
	case icmpParamProblem:
		body = &icmp.ParamProb{Pointer: uintptr(param), Data: quote}
		c.stats.ParamProblemSent++
	default:
		return nil
	}
	msg := icmp.Message{Type: typ, Code: code, Body: body}
	raw, err := msg.Marshal(nil)
	if err != nil {
		slog.Debug("ipv6: icmp marshal failed", "type", typ, "err", err)
		return nil
	}

	ifID := b.IfID
	if b.Dir == Down && b.Route != nil {
		ifID = b.Route.IfID
	}
	e := &Buffer{
		Dir:   Down,
		Stage: StageIPv6,
		IfID:  ifID,
		Dst:   src,
		Proto: ProtoICMPv6,
		Data:  raw,
		Flags: FlagChecksum,
	}
	if !dst.IsMulticast() && c.IsOwnAddress(NoInterface, dst) {
		e.Src = dst
	}
	slog.Debug("ipv6: sending icmp error", "type", typ, "code", code, "to", src, "reason", why)
	return e
}

// mayReport applies RFC 4443 section 2.4(e).
func mayReport(b *Buffer, typ xipv6.ICMPType, code int) bool {
	h := b.Header()
	src, dst := h.Src(), h.Dst()
	if src.IsUnspecified() || src.IsMulticast() {
		return false
	}
	if isICMPError(b.Data) {
		return false
	}
	exempt := typ == icmpPacketTooBig || (typ == icmpParamProblem && code == codeUnrecognizedOption)
	if (dst.IsMulticast() || b.Has(FlagLinkBroadcast)) && !exempt {
		return false
	}
	return true
}

// isICMPError reports whether pkt carries an ICMPv6 error message.
func isICMPError(pkt []byte) bool {
	nh, off := Header(pkt).NextHeader(), HeaderLen
	for {
		switch nh {
		case ProtoHopByHop, ProtoDestOpts, ProtoRouting:
			n, ok := extLen(pkt, off)
			if !ok {
				return false
			}
			nh, off = pkt[off], off+n
		case ProtoFragment:
			if off+fragHeaderLen > len(pkt) {
				return false
			}
			if binary.BigEndian.Uint16(pkt[off+2:])&^7 != 0 {
				// Not the first fragment; the upper layer is unknown.
				return false
			}
			nh, off = pkt[off], off+fragHeaderLen
		case ProtoICMPv6:
			return off < len(pkt) && pkt[off] < 128
		default:
			return false
		}
	}
}

// icmpUp handles ICMPv6 messages addressed to us: ND goes to the ND
// handler, echo requests are answered and Packet Too Big updates the
// destination cache before the message is offered upward.
func (c *Core) icmpUp(b *Buffer) *Buffer {
	p := b.Payload()
	if len(p) < 4 || !ndp.VerifyChecksum(b.Src, b.Dst, p) {
		c.drop(b, DropChecksum)
		return nil
	}
	typ := xipv6.ICMPType(p[0])
	switch {
	case ndp.IsND(typ):
		// RFC 4861 section 6.1: link-scope ND arrives with the maximum
		// hop limit. DAR and DAC are routed.
		multihop := typ == ndp.TypeDuplicateAddressRequest || typ == ndp.TypeDuplicateAddressConfirmation
		if !multihop && b.HopLimit != ndp.HopLimit {
			c.drop(b, DropMalformed)
			return nil
		}
		m, err := ndp.Parse(p)
		if err != nil {
			slog.Debug("ipv6: bad ND message", "interface", b.IfID, "src", b.Src, "err", err)
			c.drop(b, DropMalformed)
			return nil
		}
		if c.nd != nil {
			c.nd.HandleND(b.IfID, b.Src, b.Dst, m)
		}
		c.stats.Delivered++
		b.finish(nil)
		return nil

	case typ == xipv6.ICMPTypeEchoRequest:
		return c.echoReply(b)

	case typ == icmpPacketTooBig:
		if len(p) >= 8+HeaderLen {
			inner := Header(p[8:])
			c.UpdatePMTU(inner.Dst(), b.IfID, binary.BigEndian.Uint32(p[4:8]))
		}
	}
	b.Stage = StageApp
	return c.deliver(b)
}

func (c *Core) echoReply(b *Buffer) *Buffer {
	msg, err := icmp.ParseMessage(int(ProtoICMPv6), b.Payload())
	if err != nil {
		c.drop(b, DropMalformed)
		return nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		c.drop(b, DropMalformed)
		return nil
	}
	reply := icmp.Message{Type: xipv6.ICMPTypeEchoReply, Body: echo}
	raw, err := reply.Marshal(nil)
	if err != nil {
		c.drop(b, DropMalformed)
		return nil
	}
	r := &Buffer{
		Dir:   Down,
		Stage: StageIPv6,
		IfID:  b.IfID,
		Dst:   b.Src,
		Proto: ProtoICMPv6,
		Data:  raw,
		Flags: FlagChecksum,
	}
	if !b.Dst.IsMulticast() {
		r.Src = b.Dst
	}
	c.stats.Delivered++
	b.finish(nil)
	return r
}
