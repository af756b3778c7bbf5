package ndp

import (
	"net/netip"
)

// ProtocolICMPv6 is the IPv6 next header value for ICMPv6.
const ProtocolICMPv6 = 58

// PseudoChecksum computes the upper-layer checksum of payload with the
// IPv6 pseudo-header (RFC 8200 section 8.1) for next header proto.
// A payload that already carries a correct checksum sums to zero.
func PseudoChecksum(src, dst netip.Addr, proto uint8, payload []byte) uint16 {
	var sum uint32
	s16, d16 := src.As16(), dst.As16()
	sum = addWords(sum, s16[:])
	sum = addWords(sum, d16[:])
	plen := uint32(len(payload))
	sum += plen>>16 + plen&0xffff
	sum += uint32(proto)
	sum = addWords(sum, payload)
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// VerifyChecksum reports whether the ICMPv6 message b, as received from
// src to dst, carries a valid checksum.
func VerifyChecksum(src, dst netip.Addr, b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return PseudoChecksum(src, dst, ProtocolICMPv6, b) == 0
}

func addWords(sum uint32, data []byte) uint32 {
	for i := 0; i < len(data)-1; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}
