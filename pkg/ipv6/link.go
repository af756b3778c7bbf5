package ipv6

import (
	"net/netip"

	"github.com/psaab/lowpand/pkg/ndp"
)

// Link is the transmit side of an interface's link layer. Links may also
// implement any of the optional capability interfaces below; the core
// checks for them with type assertions.
type Link interface {
	// Transmit sends the packet in b.Data to b.LinkDst, or to the link
	// broadcast address when b.LinkDst is invalid.
	Transmit(b *Buffer) error
	// LinkAddr returns the interface's own link-layer address.
	LinkAddr() ndp.LinkAddr
}

// LLAOCodec builds and parses link-layer address options for links whose
// address format is not a plain byte string.
type LLAOCodec interface {
	WriteLLAO(dir ndp.Direction) (*ndp.LinkLayerAddress, bool)
	ParseLLAO(o *ndp.LinkLayerAddress) (ndp.LinkAddr, bool)
}

// LinkAddrMapper maps IPv6 addresses to link addresses without ND, for
// links where the mapping is fixed.
type LinkAddrMapper interface {
	MapIPToLinkAddr(addr netip.Addr) (ndp.LinkAddr, bool)
}

// NSTransmitter replaces Neighbor Solicitation for address resolution.
// TransmitNS returns false to fall back to a normal NS.
type NSTransmitter interface {
	TransmitNS(target, src netip.Addr, unicast bool, lla ndp.LinkAddr) bool
}

// Verdict is a forwarding hook's decision.
type Verdict uint8

const (
	VerdictContinue Verdict = iota
	VerdictDrop
	// VerdictConsumed means the hook took ownership of the packet.
	VerdictConsumed
)

// SpecialForwarder vets unicast packets forwarded between interfaces.
type SpecialForwarder interface {
	SpecialForwarding(b *Buffer, inIf, outIf int) Verdict
}

// MulticastForwarder decides whether a multicast packet received on the
// interface is forwarded.
type MulticastForwarder interface {
	ForwardMulticast(b *Buffer) bool
}

// Interface is an IPv6-enabled interface known to the core.
type Interface struct {
	ID   int
	Link Link
	// MTU is the link MTU.
	MTU         uint32
	CurHopLimit uint8
	// Forwarding enables routing of packets not addressed to us.
	Forwarding bool

	addrs  []netip.Prefix
	groups map[netip.Addr]int
}

// LinkAddr returns the interface's link-layer address.
func (ifc *Interface) LinkAddr() ndp.LinkAddr {
	if ifc.Link == nil {
		return ndp.LinkAddr{}
	}
	return ifc.Link.LinkAddr()
}

// WriteLLAO returns the link-layer address option for our address.
func (ifc *Interface) WriteLLAO(dir ndp.Direction) (*ndp.LinkLayerAddress, bool) {
	if c, ok := ifc.Link.(LLAOCodec); ok {
		return c.WriteLLAO(dir)
	}
	lla := ifc.LinkAddr()
	if !lla.IsValid() {
		return nil, false
	}
	return ndp.NewLinkLayerAddress(dir, lla), true
}

// ParseLLAO extracts the link address from an option received on the
// interface.
func (ifc *Interface) ParseLLAO(o *ndp.LinkLayerAddress) (ndp.LinkAddr, bool) {
	if c, ok := ifc.Link.(LLAOCodec); ok {
		return c.ParseLLAO(o)
	}
	n := ifc.LinkAddr().Len()
	if n == 0 {
		n = 8
	}
	return o.Trim(n)
}

// Addrs returns the interface's addresses.
func (ifc *Interface) Addrs() []netip.Prefix { return ifc.addrs }

// HasAddr reports whether a is assigned to the interface.
func (ifc *Interface) HasAddr(a netip.Addr) bool {
	for _, p := range ifc.addrs {
		if p.Addr() == a {
			return true
		}
	}
	return false
}

// InGroup reports whether the interface listens to multicast group g.
func (ifc *Interface) InGroup(g netip.Addr) bool {
	switch g {
	case allNodesIfLocal, ndp.AllNodes:
		return true
	case ndp.AllRouters:
		return ifc.Forwarding
	}
	return ifc.groups[g] > 0
}

var allNodesIfLocal = netip.MustParseAddr("ff01::1")
