package ipv6

import (
	"bytes"
	"net/netip"
	"slices"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/lowpand/pkg/ndp"
)

var src7 = netip.MustParseAddr("2001:db8:1::7")

func fragLayer(t *testing.T, b *Buffer) *layers.IPv6Fragment {
	t.Helper()
	p := gopacket.NewPacket(b.Data, layers.LayerTypeIPv6, gopacket.Default)
	f, ok := p.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment)
	if !ok {
		t.Fatalf("no fragment header in %x", b.Data[:HeaderLen+fragHeaderLen])
	}
	return f
}

func TestFragmentAndReassemble(t *testing.T) {
	tx := newTestCore(t, false)
	resolved(tx, 1, peer1, peerLLA1)
	data := make([]byte, 2992)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var done []error
	b := NewPacket(StageUDP, src7, peer1, ProtoUDP, udp(src7, peer1, data))
	b.Done = func(err error) { done = append(done, err) }
	tx.Process(b)

	frags := linkOf(t, tx, 1).sent
	if len(frags) != 3 {
		t.Fatalf("sent %d fragments, want 3", len(frags))
	}
	if len(done) != 1 || done[0] != nil {
		t.Errorf("done = %v, want a single nil after the last fragment", done)
	}
	var id uint32
	for i, f := range frags {
		if len(f.Data) > MinimumMTU {
			t.Errorf("fragment %d is %d bytes", i, len(f.Data))
		}
		fl := fragLayer(t, f)
		if i == 0 {
			id = fl.Identification
		} else if fl.Identification != id {
			t.Errorf("fragment %d id = %#x, want %#x", i, fl.Identification, id)
		}
		if more := i < len(frags)-1; fl.MoreFragments != more {
			t.Errorf("fragment %d more = %v", i, fl.MoreFragments)
		}
		if want := uint16(i * 1232 / 8); fl.FragmentOffset != want {
			t.Errorf("fragment %d offset = %d, want %d", i, fl.FragmentOffset, want)
		}
	}
	if st := tx.Stats(); st.FragmentsSent != 3 || st.Sent != 3 {
		t.Errorf("fragments=%d sent=%d", st.FragmentsSent, st.Sent)
	}

	rx := newTestCore(t, false)
	if err := rx.AddAddress(1, netip.PrefixFrom(peer1, 64)); err != nil {
		t.Fatal(err)
	}
	s := &sink{}
	rx.SetDeliverer(s)
	for _, f := range slices.Backward(frags) {
		rx.Receive(1, f.Data, ownLLA[0], peerLLA1, false)
	}
	if len(s.got) != 1 {
		t.Fatalf("delivered %d packets, want 1", len(s.got))
	}
	got := s.got[0]
	if got.Proto != ProtoUDP || got.Src != src7 || got.Dst != peer1 {
		t.Errorf("delivered %d %s -> %s", got.Proto, got.Src, got.Dst)
	}
	p := got.Payload()
	if !bytes.Equal(p[8:], data) {
		t.Errorf("reassembled payload differs (%d bytes, want %d)", len(p)-8, len(data))
	}
	if sum := ndp.PseudoChecksum(src7, peer1, ProtoUDP, p); sum != 0 {
		t.Errorf("udp checksum does not verify after reassembly")
	}
	if h := got.Header(); int(h.PayloadLength()) != len(got.Data)-HeaderLen || h.NextHeader() != ProtoUDP {
		t.Errorf("rebuilt header = %+v", h.Decode())
	}
	if st := rx.Stats(); st.Reassembled != 1 {
		t.Errorf("reassembled = %d", st.Reassembled)
	}
}

func TestDontFragment(t *testing.T) {
	c := newTestCore(t, false)
	resolved(c, 1, peer1, peerLLA1)
	var done []error
	b := NewPacket(StageUDP, netip.Addr{}, peer1, ProtoUDP, udp(g1, peer1, make([]byte, 1500)))
	b.Flags |= FlagDontFragment
	b.Done = func(err error) { done = append(done, err) }
	c.Process(b)
	if n := len(linkOf(t, c, 1).sent); n != 0 {
		t.Errorf("sent %d packets", n)
	}
	if len(done) != 1 || done[0] != ErrTooBig {
		t.Errorf("done = %v, want ErrTooBig", done)
	}
}

func TestAtomicFragment(t *testing.T) {
	c := newTestCore(t, false)
	resolved(c, 1, peer1, peerLLA1)
	if _, err := c.RouteTo(peer1, NoInterface, netip.Addr{}, nil); err != nil {
		t.Fatal(err)
	}
	c.UpdatePMTU(peer1, NoInterface, 1000)
	c.Process(NewPacket(StageUDP, netip.Addr{}, peer1, ProtoUDP, udp(g1, peer1, []byte("small"))))

	sent := linkOf(t, c, 1).sent
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	if nh := sent[0].Header().NextHeader(); nh != ProtoFragment {
		t.Fatalf("next header = %d, want a fragment header", nh)
	}
	fl := fragLayer(t, sent[0])
	if fl.FragmentOffset != 0 || fl.MoreFragments || fl.NextHeader != layers.IPProtocolUDP {
		t.Errorf("fragment header = %+v", fl)
	}
	if st := c.Stats(); st.AtomicFragments != 1 {
		t.Errorf("atomic fragments = %d", st.AtomicFragments)
	}
}

func TestAtomicFragmentAccepted(t *testing.T) {
	c := newTestCore(t, false)
	s := &sink{}
	c.SetDeliverer(s)
	payload := append([]byte{ProtoUDP, 0, 0, 0, 0, 0, 0, 1}, udp(peer1, g1, []byte("x"))...)
	c.Receive(1, packet(peer1, g1, ProtoFragment, 64, payload), peerLLA1, ownLLA[0], false)
	if len(s.got) != 1 {
		t.Fatalf("delivered %d packets, want 1", len(s.got))
	}
	if st := c.Stats(); st.Reassembled != 0 {
		t.Errorf("atomic fragment went through reassembly")
	}
}

func TestReassemblyTimeout(t *testing.T) {
	tx := newTestCore(t, false)
	resolved(tx, 1, peer1, peerLLA1)
	tx.Process(NewPacket(StageUDP, src7, peer1, ProtoUDP, udp(src7, peer1, make([]byte, 2000))))
	frags := linkOf(t, tx, 1).sent
	if len(frags) != 2 {
		t.Fatalf("sent %d fragments, want 2", len(frags))
	}

	rx := newTestCore(t, false)
	if err := rx.AddAddress(1, netip.PrefixFrom(peer1, 64)); err != nil {
		t.Fatal(err)
	}
	resolved(rx, 1, src7, peerLLA1)
	rx.Receive(1, frags[0].Data, ownLLA[0], peerLLA1, false)
	rx.SlowTick(DefaultConfig().ReassemblyTimeout - 1)
	if n := len(linkOf(t, rx, 1).sent); n != 0 {
		t.Fatalf("sent %d packets before the timeout", n)
	}
	rx.SlowTick(1)
	sent := linkOf(t, rx, 1).sent
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	// The error comes from the address the fragments were sent to.
	wantICMP(t, sent[0], peer1, src7, layers.ICMPv6TypeTimeExceeded, 1)
	if st := rx.Stats(); st.ReassemblyTimeout != 1 {
		t.Errorf("timeouts = %d", st.ReassemblyTimeout)
	}
}

func TestReassemblyTimeoutWithoutFirstFragment(t *testing.T) {
	tx := newTestCore(t, false)
	resolved(tx, 1, peer1, peerLLA1)
	tx.Process(NewPacket(StageUDP, src7, peer1, ProtoUDP, udp(src7, peer1, make([]byte, 2000))))
	frags := linkOf(t, tx, 1).sent

	rx := newTestCore(t, false)
	if err := rx.AddAddress(1, netip.PrefixFrom(peer1, 64)); err != nil {
		t.Fatal(err)
	}
	resolved(rx, 1, src7, peerLLA1)
	rx.Receive(1, frags[1].Data, ownLLA[0], peerLLA1, false)
	rx.SlowTick(DefaultConfig().ReassemblyTimeout)
	if n := len(linkOf(t, rx, 1).sent); n != 0 {
		t.Errorf("sent %d packets without the first fragment", n)
	}
}

func TestReassemblerOverlap(t *testing.T) {
	k := fragKey{src: src7, dst: peer1, id: 1}
	tests := []struct {
		name   string
		frags  [][3]int // offset, length, more
		wantOK bool
		done   bool
	}{
		{"in order", [][3]int{{0, 16, 1}, {16, 8, 0}}, true, true},
		{"duplicate ignored", [][3]int{{0, 16, 1}, {0, 16, 1}, {16, 8, 0}}, true, true},
		{"overlap discards", [][3]int{{0, 16, 1}, {8, 16, 0}}, false, false},
		{"past the end", [][3]int{{16, 8, 0}, {24, 8, 1}}, false, false},
		{"short last", [][3]int{{0, 16, 1}, {16, 8, 1}, {8, 0, 0}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReassembler(4, 60)
			var p *partial
			ok := true
			for _, f := range tt.frags {
				if p, ok = r.add(k, f[0], f[2] == 1, make([]byte, f[1])); !ok {
					break
				}
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if len(r.pending) != 0 {
					t.Errorf("discarded packet still pending")
				}
				return
			}
			p.first = &Buffer{}
			if p.complete() != tt.done {
				t.Errorf("complete = %v, want %v", p.complete(), tt.done)
			}
		})
	}
}

func TestReassemblerLimit(t *testing.T) {
	r := newReassembler(2, 60)
	for id := uint32(1); id <= 3; id++ {
		r.add(fragKey{src: src7, dst: peer1, id: id}, 8, true, make([]byte, 8))
	}
	if len(r.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(r.pending))
	}
	if _, ok := r.pending[fragKey{src: src7, dst: peer1, id: 1}]; ok {
		t.Error("oldest reassembly was not evicted")
	}
}
