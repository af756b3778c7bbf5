package packetsock

import (
	"net"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/ndp"
)

func TestDestinationMAC(t *testing.T) {
	peer := ndp.LinkAddrFrom([]byte{0x02, 0, 0, 0, 0, 0x42})
	tests := []struct {
		name string
		lla  ndp.LinkAddr
		dst  netip.Addr
		want net.HardwareAddr
	}{
		{"resolved", peer, netip.MustParseAddr("2001:db8::42"), net.HardwareAddr{0x02, 0, 0, 0, 0, 0x42}},
		{"all nodes", ndp.LinkAddr{}, ndp.AllNodes, net.HardwareAddr{0x33, 0x33, 0, 0, 0, 1}},
		{"solicited node", ndp.LinkAddr{}, netip.MustParseAddr("ff02::1:ff00:42"), net.HardwareAddr{0x33, 0x33, 0xff, 0, 0, 0x42}},
		{"unresolved unicast", ndp.LinkAddr{}, netip.MustParseAddr("2001:db8::1"), broadcastMAC},
	}
	for _, tt := range tests {
		if got := destinationMAC(tt.lla, tt.dst); got.String() != tt.want.String() {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		pkttype         uint8
		broadcast, keep bool
	}{
		{unix.PACKET_HOST, false, true},
		{unix.PACKET_MULTICAST, true, true},
		{unix.PACKET_BROADCAST, true, true},
		{unix.PACKET_OUTGOING, false, false},
		{unix.PACKET_OTHERHOST, false, false},
	}
	for _, tt := range tests {
		b, k := classify(tt.pkttype)
		if b != tt.broadcast || k != tt.keep {
			t.Errorf("classify(%d) = %v, %v", tt.pkttype, b, k)
		}
	}
}

func TestStaticMapping(t *testing.T) {
	a := netip.MustParseAddr("2001:db8::7")
	lla := ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 7})
	e := &Endpoint{}
	var _ ipv6.LinkAddrMapper = e
	if _, ok := e.MapIPToLinkAddr(a); ok {
		t.Error("empty table resolved an address")
	}
	e.SetStatic(map[netip.Addr]ndp.LinkAddr{a: lla})
	if got, ok := e.MapIPToLinkAddr(a); !ok || got != lla {
		t.Errorf("MapIPToLinkAddr = %v, %v", got, ok)
	}
}

func TestClosedTransmit(t *testing.T) {
	e := &Endpoint{fd: -1}
	e.closed.Store(true)
	if err := e.Transmit(&ipv6.Buffer{Data: []byte{0x60}}); err != net.ErrClosed {
		t.Errorf("err = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
