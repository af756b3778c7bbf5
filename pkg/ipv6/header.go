package ipv6

import (
	"encoding/binary"
	"net/netip"
)

const (
	// HeaderLen is the size of the fixed IPv6 header.
	HeaderLen = 40
	// MinimumMTU is the smallest link MTU IPv6 allows (RFC 8200 section 5).
	MinimumMTU = 1280
	// MaxPayload is the largest payload length the header can express.
	MaxPayload = 0xffff
)

// Next header values.
const (
	ProtoHopByHop uint8 = 0
	ProtoTCP      uint8 = 6
	ProtoUDP      uint8 = 17
	ProtoIPv6     uint8 = 41
	ProtoRouting  uint8 = 43
	ProtoFragment uint8 = 44
	ProtoICMPv6   uint8 = 58
	ProtoNoNext   uint8 = 59
	ProtoDestOpts uint8 = 60
)

// Offsets of fixed header fields, used as Parameter Problem pointers.
const (
	offPayloadLen = 4
	offNextHeader = 6
	offHopLimit   = 7
	offSrc        = 8
	offDst        = 24
)

// Fields is the decoded form of a fixed header.
type Fields struct {
	TrafficClass  uint8
	FlowLabel     uint32
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src           netip.Addr
	Dst           netip.Addr
}

// Header is a view of the fixed IPv6 header at the front of a packet.
// Setters write straight into the packet's backing array; callers that
// mutate a forwarded packet rely on that to avoid rebuilding the header.
type Header []byte

func (h Header) Version() uint8 { return h[0] >> 4 }

func (h Header) TrafficClass() uint8 { return h[0]<<4 | h[1]>>4 }

func (h Header) SetTrafficClass(tc uint8) {
	h[0] = h[0]&0xf0 | tc>>4
	h[1] = h[1]&0x0f | tc<<4
}

// ECN returns the ECN codepoint of the traffic class.
func (h Header) ECN() ECN { return ECN(h.TrafficClass() & 0x03) }

// SetECN rewrites the ECN codepoint, leaving the DSCP alone.
func (h Header) SetECN(e ECN) { h.SetTrafficClass(h.TrafficClass()&^0x03 | uint8(e)&0x03) }

func (h Header) FlowLabel() uint32 { return binary.BigEndian.Uint32(h[0:4]) & 0x000fffff }

func (h Header) PayloadLength() uint16 { return binary.BigEndian.Uint16(h[offPayloadLen:]) }

func (h Header) SetPayloadLength(n uint16) { binary.BigEndian.PutUint16(h[offPayloadLen:], n) }

func (h Header) NextHeader() uint8 { return h[offNextHeader] }

func (h Header) SetNextHeader(p uint8) { h[offNextHeader] = p }

func (h Header) HopLimit() uint8 { return h[offHopLimit] }

func (h Header) SetHopLimit(n uint8) { h[offHopLimit] = n }

func (h Header) Src() netip.Addr { return netip.AddrFrom16([16]byte(h[offSrc : offSrc+16])) }

func (h Header) SetSrc(a netip.Addr) {
	b := a.As16()
	copy(h[offSrc:], b[:])
}

func (h Header) Dst() netip.Addr { return netip.AddrFrom16([16]byte(h[offDst : offDst+16])) }

func (h Header) SetDst(a netip.Addr) {
	b := a.As16()
	copy(h[offDst:], b[:])
}

// Encode writes f over the header.
func (h Header) Encode(f *Fields) {
	binary.BigEndian.PutUint32(h[0:4], 6<<28|uint32(f.TrafficClass)<<20|f.FlowLabel&0x000fffff)
	h.SetPayloadLength(f.PayloadLength)
	h.SetNextHeader(f.NextHeader)
	h.SetHopLimit(f.HopLimit)
	h.SetSrc(f.Src)
	h.SetDst(f.Dst)
}

// Decode returns the header's fields.
func (h Header) Decode() Fields {
	return Fields{
		TrafficClass:  h.TrafficClass(),
		FlowLabel:     h.FlowLabel(),
		PayloadLength: h.PayloadLength(),
		NextHeader:    h.NextHeader(),
		HopLimit:      h.HopLimit(),
		Src:           h.Src(),
		Dst:           h.Dst(),
	}
}

// SolicitedNode returns the solicited-node multicast group of a.
func SolicitedNode(a netip.Addr) netip.Addr {
	b := a.As16()
	return netip.AddrFrom16([16]byte{0xff, 0x02, 11: 0x01, 12: 0xff, 13: b[13], 14: b[14], 15: b[15]})
}

// MulticastScope returns the scope field of a multicast address.
func MulticastScope(a netip.Addr) uint8 { return a.As16()[1] & 0x0f }

// Multicast scopes (RFC 7346).
const (
	ScopeReserved       uint8 = 0x0
	ScopeInterfaceLocal uint8 = 0x1
	ScopeLinkLocal      uint8 = 0x2
	ScopeRealmLocal     uint8 = 0x3
	ScopeAdminLocal     uint8 = 0x4
	ScopeSiteLocal      uint8 = 0x5
	ScopeGlobal         uint8 = 0xe
)

// Scope returns the RFC 4007 scope of any address: multicast scope for
// groups, interface-local for loopback, link-local for fe80::/10 and
// global otherwise.
func Scope(a netip.Addr) uint8 {
	switch {
	case a.IsMulticast():
		return MulticastScope(a)
	case a.IsLoopback():
		return ScopeInterfaceLocal
	case a.IsLinkLocalUnicast():
		return ScopeLinkLocal
	default:
		return ScopeGlobal
	}
}
