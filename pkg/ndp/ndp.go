// Package ndp encodes and decodes the ICMPv6 Neighbor Discovery messages
// used by 6LoWPAN-ND (RFC 4861, RFC 6775): RS, RA, NS, NA, DAR and DAC,
// together with their options.
package ndp

import (
	"encoding/hex"
	"errors"
	"net/netip"

	"golang.org/x/net/ipv6"
)

// ICMPv6 message types handled by this package.
const (
	TypeRouterSolicitation    = ipv6.ICMPTypeRouterSolicitation
	TypeRouterAdvertisement   = ipv6.ICMPTypeRouterAdvertisement
	TypeNeighborSolicitation  = ipv6.ICMPTypeNeighborSolicitation
	TypeNeighborAdvertisement = ipv6.ICMPTypeNeighborAdvertisement
	TypeRedirect              = ipv6.ICMPTypeRedirect

	// RFC 6775 multihop DAD.
	TypeDuplicateAddressRequest      ipv6.ICMPType = 157
	TypeDuplicateAddressConfirmation ipv6.ICMPType = 158
)

// ARO / DAR / DAC status values (RFC 6775 section 4.1).
const (
	StatusSuccess   uint8 = 0
	StatusDuplicate uint8 = 1
	StatusFull      uint8 = 2
)

// HopLimit is the hop limit every ND message is sent with and must be
// received with (RFC 4861 section 6.1).
const HopLimit = 255

var (
	// ErrShort is returned when a message or option is truncated.
	ErrShort = errors.New("ndp: message too short")
	// ErrBadOption is returned for an option with an invalid length.
	ErrBadOption = errors.New("ndp: malformed option")
	// ErrType is returned when a message is not one this package parses.
	ErrType = errors.New("ndp: unsupported message type")
)

// Well-known multicast groups.
var (
	AllNodes   = netip.MustParseAddr("ff02::1")
	AllRouters = netip.MustParseAddr("ff02::2")
)

// LinkAddr is a link-layer address of up to 8 bytes (IEEE 802.15.4 short
// or extended address, or an Ethernet MAC). It is comparable and usable
// as a map key.
type LinkAddr struct {
	b [8]byte
	n uint8
}

// LinkAddrFrom copies b into a LinkAddr. Addresses longer than 8 bytes are
// truncated.
func LinkAddrFrom(b []byte) LinkAddr {
	var a LinkAddr
	a.n = uint8(copy(a.b[:], b))
	return a
}

// Len returns the address length in bytes.
func (a LinkAddr) Len() int { return int(a.n) }

// IsValid reports whether the address holds any bytes.
func (a LinkAddr) IsValid() bool { return a.n > 0 }

// Bytes returns a copy of the address bytes.
func (a LinkAddr) Bytes() []byte {
	out := make([]byte, a.n)
	copy(out, a.b[:a.n])
	return out
}

func (a LinkAddr) String() string {
	if a.n == 0 {
		return "none"
	}
	return hex.EncodeToString(a.b[:a.n])
}

// EUI64 is an IEEE EUI-64 identifier as carried in ARO, DAR and DAC.
type EUI64 [8]byte

// IsZero reports whether the identifier is all zeros, the "unknown owner"
// sentinel.
func (e EUI64) IsZero() bool { return e == EUI64{} }

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

// EUI64FromLinkAddr widens a 6-byte MAC to an EUI-64 (FF-FE insertion);
// 8-byte addresses are taken as-is.
func EUI64FromLinkAddr(a LinkAddr) EUI64 {
	var e EUI64
	switch a.n {
	case 8:
		copy(e[:], a.b[:8])
	case 6:
		copy(e[0:3], a.b[0:3])
		e[3], e[4] = 0xff, 0xfe
		copy(e[5:8], a.b[3:6])
	}
	return e
}

// SerialGreater reports whether a is newer than b under RFC 1982 serial
// number arithmetic for 32-bit values.
func SerialGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// ABROEpochChanged reports whether the upper 16 bits of an ABRO version
// differ, meaning the border router restarted its version space.
func ABROEpochChanged(old, cur uint32) bool {
	return old>>16 != cur>>16
}

func parseAddr(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}

func putAddr(b []byte, a netip.Addr) {
	a16 := a.As16()
	copy(b, a16[:])
}
