package ndp

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	llSrc = netip.MustParseAddr("fe80::1")
	llDst = netip.MustParseAddr("fe80::2")
)

var addrCmp = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestRouterAdvertisementDecodesWithGopacket(t *testing.T) {
	ra := &RouterAdvertisement{
		CurHopLimit:    64,
		RouterLifetime: 1800,
		ReachableTime:  30000,
		RetransTimer:   1000,
		Options: []Option{
			NewLinkLayerAddress(Source, LinkAddrFrom([]byte{1, 2, 3, 4, 5, 6, 7, 8})),
			&PrefixInformation{
				PrefixLength:      64,
				Flags:             PrefixOnLink | PrefixAutonomous,
				ValidLifetime:     3600,
				PreferredLifetime: 1800,
				Prefix:            netip.MustParseAddr("2001:db8:1::"),
			},
			&AuthoritativeBorderRouter{
				Version:  0x00020005,
				Lifetime: 10,
				Address:  netip.MustParseAddr("2001:db8:1::1"),
			},
		},
	}
	b, err := Marshal(ra, llSrc, AllNodes)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !VerifyChecksum(llSrc, AllNodes, b) {
		t.Fatal("checksum does not verify")
	}

	pkt := gopacket.NewPacket(b, layers.LayerTypeICMPv6, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeICMPv6RouterAdvertisement)
	if l == nil {
		t.Fatalf("gopacket did not decode an RA: %v", pkt.ErrorLayer())
	}
	got := l.(*layers.ICMPv6RouterAdvertisement)
	if got.HopLimit != 64 || got.RouterLifetime != 1800 || got.ReachableTime != 30000 || got.RetransTimer != 1000 {
		t.Errorf("fixed fields: hop=%d life=%d reach=%d retrans=%d",
			got.HopLimit, got.RouterLifetime, got.ReachableTime, got.RetransTimer)
	}
	if len(got.Options) != 3 {
		t.Fatalf("gopacket saw %d options, want 3", len(got.Options))
	}
	if got.Options[0].Type != layers.ICMPv6OptSourceAddress {
		t.Errorf("first option type %v, want source address", got.Options[0].Type)
	}
	if got.Options[1].Type != layers.ICMPv6OptPrefixInfo {
		t.Errorf("second option type %v, want prefix info", got.Options[1].Type)
	}
	if uint8(got.Options[2].Type) != optBorderRoute {
		t.Errorf("third option type %d, want %d", got.Options[2].Type, optBorderRoute)
	}
}

func TestRoundTripMessages(t *testing.T) {
	eui := EUI64{0x02, 0x11, 0x22, 0xff, 0xfe, 0x33, 0x44, 0x55}
	tests := []struct {
		name string
		msg  Message
	}{
		{"rs", &RouterSolicitation{Options: []Option{
			NewLinkLayerAddress(Source, LinkAddrFrom([]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})),
		}}},
		{"ns with aro", &NeighborSolicitation{
			Target: netip.MustParseAddr("2001:db8::5"),
			Options: []Option{
				NewLinkLayerAddress(Source, LinkAddrFrom([]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})),
				&AddressRegistration{Lifetime: 60, EUI64: eui},
			},
		}},
		{"na", &NeighborAdvertisement{
			Flags:  NASolicited | NAOverride,
			Target: netip.MustParseAddr("fe80::5"),
			Options: []Option{
				&AddressRegistration{Status: StatusDuplicate, Lifetime: 0, EUI64: eui},
			},
		}},
		{"dar", &DuplicateAddress{
			Lifetime: 120,
			EUI64:    eui,
			Address:  netip.MustParseAddr("2001:db8::5"),
		}},
		{"dac", &DuplicateAddress{
			Confirmation: true,
			Status:       StatusFull,
			EUI64:        eui,
			Address:      netip.MustParseAddr("2001:db8::5"),
		}},
		{"ra with context and route", &RouterAdvertisement{
			CurHopLimit: 255,
			Flags:       RAOther,
			Options: []Option{
				&SixLoWPANContext{ContextLength: 64, Compress: true, CID: 3, Lifetime: 5,
					Prefix: netip.MustParseAddr("2001:db8:2::")},
				&RouteInformation{PrefixLength: 48, Preference: 0x08, Lifetime: 600,
					Prefix: netip.MustParseAddr("2001:db8:3::")},
				&MTU{MTU: 1280},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.msg, llSrc, llDst)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !VerifyChecksum(llSrc, llDst, b) {
				t.Error("checksum does not verify")
			}
			got, err := Parse(b)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tt.msg, got, addrCmp); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDARWireLayout(t *testing.T) {
	m := &DuplicateAddress{
		Status:   StatusSuccess,
		Lifetime: 0x0102,
		EUI64:    EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Address:  netip.MustParseAddr("2001:db8::1"),
	}
	b, err := Marshal(m, llSrc, llDst)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 32 {
		t.Fatalf("DAR length %d, want 32", len(b))
	}
	if b[0] != 157 || b[4] != 0 || b[5] != 0 || b[6] != 0x01 || b[7] != 0x02 {
		t.Errorf("header bytes % x", b[:8])
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8}, b[8:16]); diff != "" {
		t.Errorf("eui64 mismatch (-want +got):\n%s", diff)
	}
	if got := parseAddr(b[16:32]); got != m.Address {
		t.Errorf("address %v, want %v", got, m.Address)
	}
}

func TestABROVersionSplit(t *testing.T) {
	o := &AuthoritativeBorderRouter{Version: 0xAAAA5555, Address: netip.MustParseAddr("::1")}
	b, err := o.marshal()
	if err != nil {
		t.Fatal(err)
	}
	// Low half first, then high half.
	if b[2] != 0x55 || b[3] != 0x55 || b[4] != 0xAA || b[5] != 0xAA {
		t.Errorf("version bytes % x", b[2:6])
	}
	opts, err := parseOptions(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := opts[0].(*AuthoritativeBorderRouter).Version; got != 0xAAAA5555 {
		t.Errorf("version = %#x", got)
	}
}

func TestParseOptionsRejectsZeroLength(t *testing.T) {
	_, err := parseOptions([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	if !errors.Is(err, ErrBadOption) {
		t.Errorf("err = %v, want ErrBadOption", err)
	}
	_, err = parseOptions([]byte{1, 2, 0, 0})
	if !errors.Is(err, ErrShort) {
		t.Errorf("err = %v, want ErrShort", err)
	}
}

func TestUnknownOptionKept(t *testing.T) {
	opts, err := parseOptions([]byte{200, 1, 9, 9, 9, 9, 9, 9})
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := opts[0].(*RawOption)
	if !ok || raw.Type != 200 || len(raw.Data) != 6 {
		t.Errorf("got %#v", opts[0])
	}
}

func TestLinkLayerAddressTrim(t *testing.T) {
	o := NewLinkLayerAddress(Source, LinkAddrFrom([]byte{0x12, 0x34}))
	b, err := o.marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 8 {
		t.Fatalf("padded length %d, want 8", len(b))
	}
	opts, _ := parseOptions(b)
	l := opts[0].(*LinkLayerAddress)
	a, ok := l.Trim(2)
	if !ok || a.String() != "1234" {
		t.Errorf("Trim(2) = %v, %v", a, ok)
	}
	if _, ok := l.Trim(8); ok {
		t.Error("Trim(8) should fail on a 6 byte body")
	}
}

func TestSerialGreater(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{2, 1, true},
		{1, 2, false},
		{5, 5, false},
		{0, 0xffffffff, true},
		{0xffffffff, 0, false},
		{0x80000001, 1, false},
		{0x7fffffff, 0, true},
	}
	for _, tt := range tests {
		if got := SerialGreater(tt.a, tt.b); got != tt.want {
			t.Errorf("SerialGreater(%#x, %#x) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
	if !ABROEpochChanged(0x00010005, 0x00020000) {
		t.Error("epoch change not detected")
	}
	if ABROEpochChanged(0x00010005, 0x00010006) {
		t.Error("epoch change reported within epoch")
	}
}

func TestEUI64FromLinkAddr(t *testing.T) {
	mac := LinkAddrFrom([]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	want := EUI64{0x02, 0x11, 0x22, 0xff, 0xfe, 0x33, 0x44, 0x55}
	if got := EUI64FromLinkAddr(mac); got != want {
		t.Errorf("EUI64FromLinkAddr = %v, want %v", got, want)
	}
	if !EUI64FromLinkAddr(LinkAddrFrom([]byte{1, 2})).IsZero() {
		t.Error("short address should map to zero EUI-64")
	}
}
