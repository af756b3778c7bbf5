package config

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
)

const sample = `
log_level: debug
tick: 50ms
seed: 7
nd:
  ns_retry_max: 4
  timer_all_objects: true
ipv6:
  resolution_queue_limit: 3
interfaces:
  - name: br0
    device: wpan0
    nwk_id: pan0
    mode: border-router
    advertise: true
    router_lifetime: 1800
    addresses: [2001:db8::1/64]
    ra_timing:
      min_interval: 300
      max_interval: 600
    routes:
      - prefix: 2001:db8:100::/48
        preference: high
        lifetime: 600
    border_router:
      address: 2001:db8::1
      abro_version: 3
      prefixes:
        - prefix: 2001:db8::/64
          autonomous: false
          valid_lifetime: 3600
          preferred_lifetime: 1800
      contexts:
        - id: 1
          prefix: 2001:db8::/64
          compress: true
          lifetime: 120
    static_neighbors:
      "2001:db8::99": "02:00:00:00:00:00:00:99"
  - name: uplink
    device: eth1
    link: thread
    mode: router
    thread:
      server: "[2001:db8::53]:547"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tick != 50*time.Millisecond || cfg.Seed != 7 {
		t.Errorf("tick %v seed %d", cfg.Tick, cfg.Seed)
	}
	// Unset settings keep their defaults.
	if cfg.ND.RSRetryMax != 3 || cfg.ND.NSRetryMax != 4 || !cfg.ND.MultihopDAD {
		t.Errorf("nd = %+v", cfg.ND)
	}
	if cfg.IPv6.ResolutionQueueLimit != 3 || cfg.IPv6.NeighborCacheSize != 64 {
		t.Errorf("ipv6 = %+v", cfg.IPv6)
	}
	if len(cfg.Interfaces) != 2 || cfg.Interfaces[0].ID != 1 || cfg.Interfaces[1].ID != 2 {
		t.Fatalf("interfaces = %+v", cfg.Interfaces)
	}
	if cfg.Interface("uplink") != cfg.Interfaces[1] || cfg.Interface("nope") != nil {
		t.Error("Interface lookup")
	}
	if got := cfg.Interfaces[1].Thread.LeaseTimeout(); got != 2*time.Second {
		t.Errorf("lease timeout = %v", got)
	}
}

func TestStackConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	sc := cfg.StackConfig()
	if sc.Tick != 50*time.Millisecond || sc.Core.QueueLimit != 3 {
		t.Errorf("stack config = %+v", sc)
	}
	if !sc.ND.TimerAllObjects || sc.ND.NSRetryMax != 4 || sc.ND.MaxObjects != 4 {
		t.Errorf("nd params = %+v", sc.ND)
	}
}

func TestStackInterface(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	ic, err := cfg.Interfaces[0].StackInterface()
	if err != nil {
		t.Fatal(err)
	}
	wantND := nd.IfConfig{
		IfID: 1, NwkID: "pan0", Mode: nd.ModeBorderRouter, Advertise: true,
		CurHopLimit: 64, LinkMTU: 1280, RouterLifetime: 1800,
	}
	if diff := cmp.Diff(wantND, ic.ND); diff != "" {
		t.Errorf("nd config (-want +got):\n%s", diff)
	}
	if ic.RATiming == nil || ic.RATiming.MinRtrAdvInterval != 300 || ic.RATiming.MaxInitialRtrAdvertisements != 3 {
		t.Errorf("ra timing = %+v", ic.RATiming)
	}

	prefix := netip.MustParsePrefix("2001:db8::/64")
	wantBR := &nd.BRConfig{
		Address:     netip.MustParseAddr("2001:db8::1"),
		ABROVersion: 3,
		Prefixes:    []nd.Prefix{{Prefix: prefix, Flags: ndp.PrefixOnLink, Valid: 3600, Preferred: 1800}},
		Contexts:    []nd.Context{{}, {Prefix: prefix, Compress: true, Lifetime: 120}},
	}
	if diff := cmp.Diff(wantBR, ic.BorderRouter, cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{})); diff != "" {
		t.Errorf("border router (-want +got):\n%s", diff)
	}
	wantRoutes := []nd.AdvRoute{{IfID: 1, Prefix: netip.MustParsePrefix("2001:db8:100::/48"), Preference: 0x08, Lifetime: 600}}
	if diff := cmp.Diff(wantRoutes, ic.Routes, cmpopts.EquateComparable(netip.Prefix{})); diff != "" {
		t.Errorf("routes (-want +got):\n%s", diff)
	}

	nb, err := cfg.Interfaces[0].Neighbors()
	if err != nil {
		t.Fatal(err)
	}
	if lla := nb[netip.MustParseAddr("2001:db8::99")]; lla != ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 0x99}) {
		t.Errorf("static neighbor = %v", lla)
	}

	up, err := cfg.Interfaces[1].StackInterface()
	if err != nil {
		t.Fatal(err)
	}
	if up.ND.Mode != nd.ModeRouter || !up.ND.AcceptRA {
		t.Errorf("router accept_ra default: %+v", up.ND)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "log_level: loud"},
		{"zero tick", "tick: 0s"},
		{"no device", "interfaces: [{name: a}]"},
		{"dup name", "interfaces: [{name: a, device: x}, {name: a, device: y}]"},
		{"dup id", "interfaces: [{name: a, id: 2, device: x}, {name: b, id: 2, device: y}]"},
		{"bad mode", "interfaces: [{name: a, device: x, mode: hub}]"},
		{"small mtu", "interfaces: [{name: a, device: x, mtu: 1000}]"},
		{"br without section", "interfaces: [{name: a, device: x, mode: border-router}]"},
		{"host prefixes", "interfaces: [{name: a, device: x, prefixes: [{prefix: 2001:db8::/64}]}]"},
		{"preferred over valid", "interfaces: [{name: a, device: x, mode: router, prefixes: [{prefix: 2001:db8::/64, valid_lifetime: 1, preferred_lifetime: 2}]}]"},
		{"bad preference", "interfaces: [{name: a, device: x, mode: router, routes: [{prefix: 2001:db8::/48, preference: urgent}]}]"},
		{"thread without server", "interfaces: [{name: a, device: x, link: thread}]"},
		{"bad neighbor", `interfaces: [{name: a, device: x, static_neighbors: {"2001:db8::1": "zz"}}]`},
		{"link-local br", "interfaces: [{name: a, device: x, mode: border-router, border_router: {address: fe80::1}}]"},
		{"context range", "interfaces: [{name: a, device: x, mode: border-router, border_router: {address: 2001:db8::1, contexts: [{id: 16, prefix: 2001:db8::/64}]}}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lowpand.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if lvl, _ := ParseLevel(cfg.LogLevel); lvl != slog.LevelDebug {
		t.Errorf("level = %v", lvl)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
	if _, err := Parse([]byte("interfaces: {")); err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("syntax error = %v", err)
	}
}
