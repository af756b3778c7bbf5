package ipv6

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket/layers"
)

func hopByHop(next, opt uint8) []byte {
	return []byte{next, 0, opt, 4, 0, 0, 0, 0}
}

func TestHopByHopUnknownOption(t *testing.T) {
	data := udp(peer1, g1, []byte("x"))
	tests := []struct {
		name      string
		dst       netip.Addr
		opt       uint8
		hook      bool
		delivered bool
		icmp      bool
	}{
		{"skip", g1, 0x1e, false, true, false},
		{"discard", g1, 0x5e, false, false, false},
		{"report", g1, 0x9e, false, false, true},
		{"report unless multicast", g1, 0xde, false, false, true},
		{"multicast stays silent", netip.MustParseAddr("ff02::1"), 0xde, false, false, false},
		{"multicast still reported", netip.MustParseAddr("ff02::1"), 0x9e, false, false, true},
		{"hook handles it", g1, 0x9e, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCore(t, false)
			resolved(c, 1, peer1, peerLLA1)
			s := &sink{}
			c.SetDeliverer(s)
			if tt.hook {
				c.SetOptionHook(func(b *Buffer, typ uint8, val []byte) bool { return typ == tt.opt })
			}
			pkt := packet(peer1, tt.dst, ProtoHopByHop, 64, append(hopByHop(ProtoUDP, tt.opt), data...))
			c.Receive(1, pkt, peerLLA1, ownLLA[0], tt.dst.IsMulticast())

			if got := len(s.got) == 1; got != tt.delivered {
				t.Errorf("delivered = %v, want %v", got, tt.delivered)
			}
			sent := linkOf(t, c, 1).sent
			if got := len(sent) == 1; got != tt.icmp {
				t.Fatalf("sent %d errors, want error %v", len(sent), tt.icmp)
			}
			if tt.icmp {
				ic := wantICMP(t, sent[0], g1, peer1, layers.ICMPv6TypeParameterProblem, 2)
				if ptr := binary.BigEndian.Uint32(ic.Payload[:4]); ptr != HeaderLen+2 {
					t.Errorf("pointer = %d, want %d", ptr, HeaderLen+2)
				}
			}
		})
	}
}

func TestHopByHopNotFirst(t *testing.T) {
	c := newTestCore(t, false)
	resolved(c, 1, peer1, peerLLA1)
	payload := []byte{ProtoHopByHop, 0, optPadN, 4, 0, 0, 0, 0}
	payload = append(payload, hopByHop(ProtoUDP, optPadN)...)
	payload = append(payload, udp(peer1, g1, nil)...)
	c.Receive(1, packet(peer1, g1, ProtoDestOpts, 64, payload), peerLLA1, ownLLA[0], false)

	sent := linkOf(t, c, 1).sent
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	ic := wantICMP(t, sent[0], g1, peer1, layers.ICMPv6TypeParameterProblem, 1)
	if ptr := binary.BigEndian.Uint32(ic.Payload[:4]); ptr != HeaderLen {
		t.Errorf("pointer = %d, want %d", ptr, HeaderLen)
	}
}

func TestRoutingHeader(t *testing.T) {
	for _, segLeft := range []uint8{0, 1} {
		c := newTestCore(t, false)
		resolved(c, 1, peer1, peerLLA1)
		s := &sink{}
		c.SetDeliverer(s)
		payload := append([]byte{ProtoUDP, 0, 3, segLeft, 0, 0, 0, 0}, udp(peer1, g1, nil)...)
		c.Receive(1, packet(peer1, g1, ProtoRouting, 64, payload), peerLLA1, ownLLA[0], false)

		sent := linkOf(t, c, 1).sent
		if segLeft == 0 {
			if len(s.got) != 1 || len(sent) != 0 {
				t.Errorf("segments left 0: delivered %d, sent %d", len(s.got), len(sent))
			}
			continue
		}
		if len(sent) != 1 {
			t.Fatalf("segments left %d: sent %d packets, want 1", segLeft, len(sent))
		}
		ic := wantICMP(t, sent[0], g1, peer1, layers.ICMPv6TypeParameterProblem, 0)
		if ptr := binary.BigEndian.Uint32(ic.Payload[:4]); ptr != HeaderLen+2 {
			t.Errorf("pointer = %d, want %d", ptr, HeaderLen+2)
		}
	}
}

func TestUnknownNextHeader(t *testing.T) {
	c := newTestCore(t, false)
	resolved(c, 1, peer1, peerLLA1)
	c.Receive(1, packet(peer1, g1, 99, 64, []byte{1, 2, 3, 4}), peerLLA1, ownLLA[0], false)
	sent := linkOf(t, c, 1).sent
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	ic := wantICMP(t, sent[0], g1, peer1, layers.ICMPv6TypeParameterProblem, 1)
	if ptr := binary.BigEndian.Uint32(ic.Payload[:4]); ptr != offNextHeader {
		t.Errorf("pointer = %d, want %d", ptr, offNextHeader)
	}
}

func TestNoNextHeader(t *testing.T) {
	c := newTestCore(t, false)
	c.Receive(1, packet(peer1, g1, ProtoNoNext, 64, nil), peerLLA1, ownLLA[0], false)
	if c.Stats().Drops[DropNoListener] != 1 {
		t.Errorf("drops = %v", c.Stats().Drops)
	}
	if n := len(linkOf(t, c, 1).sent); n != 0 {
		t.Errorf("sent %d packets", n)
	}
}

func TestTruncatedOption(t *testing.T) {
	c := newTestCore(t, false)
	// PadN claiming more bytes than the header holds.
	pkt := packet(peer1, g1, ProtoHopByHop, 64, []byte{ProtoNoNext, 0, optPadN, 9, 0, 0, 0, 0})
	c.Receive(1, pkt, peerLLA1, ownLLA[0], false)
	if c.Stats().Drops[DropMalformed] != 1 {
		t.Errorf("drops = %v", c.Stats().Drops)
	}
}
