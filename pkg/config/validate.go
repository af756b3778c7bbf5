package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
)

// Validate checks the configuration and assigns ids to interfaces that
// have none. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Tick <= 0 {
		return fmt.Errorf("%w: tick must be positive", ErrInvalid)
	}
	if c.IPv6.ResolutionQueueLimit < 1 {
		return fmt.Errorf("%w: resolution_queue_limit must be at least 1", ErrInvalid)
	}
	if c.ND.MaxRouterObjects < 1 {
		return fmt.Errorf("%w: max_router_objects must be at least 1", ErrInvalid)
	}

	names := make(map[string]bool)
	ids := make(map[int]bool)
	for _, ic := range c.Interfaces {
		if ic.ID != 0 {
			ids[ic.ID] = true
		}
	}
	next := 1
	for i, ic := range c.Interfaces {
		if ic.Name == "" {
			return fmt.Errorf("%w: interface %d has no name", ErrInvalid, i)
		}
		if names[ic.Name] {
			return fmt.Errorf("%w: interface %q defined twice", ErrInvalid, ic.Name)
		}
		names[ic.Name] = true
		if ic.ID < 0 {
			return fmt.Errorf("%w: interface %q: negative id", ErrInvalid, ic.Name)
		}
		if ic.ID == 0 {
			for ids[next] {
				next++
			}
			ic.ID = next
			ids[next] = true
		}
		if err := ic.validate(); err != nil {
			return fmt.Errorf("%w: interface %q: %v", ErrInvalid, ic.Name, err)
		}
	}
	seen := make(map[int]string)
	for _, ic := range c.Interfaces {
		if other, ok := seen[ic.ID]; ok {
			return fmt.Errorf("%w: interfaces %q and %q share id %d", ErrInvalid, other, ic.Name, ic.ID)
		}
		seen[ic.ID] = ic.Name
	}
	return nil
}

func (ic *InterfaceConfig) validate() error {
	switch ic.Link {
	case "packet", "":
	case "thread":
		if ic.Thread == nil || ic.Thread.Server == "" {
			return fmt.Errorf("thread link needs thread.server")
		}
		if _, err := netip.ParseAddrPort(ic.Thread.Server); err != nil {
			return fmt.Errorf("thread.server: %v", err)
		}
	default:
		return fmt.Errorf("unknown link %q", ic.Link)
	}
	if ic.Device == "" {
		return fmt.Errorf("no device")
	}
	mode, err := nd.ParseMode(ic.Mode)
	if err != nil {
		return err
	}
	if ic.MTU != 0 && ic.MTU < 1280 {
		return fmt.Errorf("mtu %d below the IPv6 minimum", ic.MTU)
	}
	for _, a := range ic.Addresses {
		if _, err := netip.ParsePrefix(a); err != nil {
			return fmt.Errorf("address %q: %v", a, err)
		}
	}
	if len(ic.Prefixes)+len(ic.Routes) > 0 && mode == nd.ModeHost {
		return fmt.Errorf("hosts do not advertise prefixes or routes")
	}
	for _, p := range ic.Prefixes {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, r := range ic.Routes {
		if _, err := netip.ParsePrefix(r.Prefix); err != nil {
			return fmt.Errorf("route %q: %v", r.Prefix, err)
		}
		if _, err := ParsePreference(r.Preference); err != nil {
			return fmt.Errorf("route %q: %v", r.Prefix, err)
		}
	}
	if br := ic.BorderRouter; br != nil {
		if mode != nd.ModeBorderRouter {
			return fmt.Errorf("border_router set but mode is %s", mode)
		}
		a, err := netip.ParseAddr(br.Address)
		if err != nil || !a.Is6() || a.IsLinkLocalUnicast() {
			return fmt.Errorf("border_router.address %q is not a global IPv6 address", br.Address)
		}
		for _, p := range br.Prefixes {
			if err := p.validate(); err != nil {
				return err
			}
		}
		used := make(map[int]bool)
		for _, cc := range br.Contexts {
			if cc.ID < 0 || cc.ID > 15 {
				return fmt.Errorf("context id %d out of range", cc.ID)
			}
			if used[cc.ID] {
				return fmt.Errorf("context id %d defined twice", cc.ID)
			}
			used[cc.ID] = true
			if _, err := netip.ParsePrefix(cc.Prefix); err != nil {
				return fmt.Errorf("context %d: %v", cc.ID, err)
			}
		}
	} else if mode == nd.ModeBorderRouter {
		return fmt.Errorf("border-router mode needs a border_router section")
	}
	for a, l := range ic.StaticNeighbors {
		if _, err := netip.ParseAddr(a); err != nil {
			return fmt.Errorf("static neighbor %q: %v", a, err)
		}
		if _, err := ParseLinkAddr(l); err != nil {
			return fmt.Errorf("static neighbor %q: %v", a, err)
		}
	}
	return nil
}

func (p *RAPrefix) validate() error {
	pfx, err := netip.ParsePrefix(p.Prefix)
	if err != nil {
		return fmt.Errorf("prefix %q: %v", p.Prefix, err)
	}
	if !pfx.Addr().Is6() {
		return fmt.Errorf("prefix %q is not IPv6", p.Prefix)
	}
	if p.PreferredLife > p.ValidLifetime {
		return fmt.Errorf("prefix %q: preferred lifetime exceeds valid lifetime", p.Prefix)
	}
	return nil
}

// ParseLevel converts a log_level setting.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}

// ParsePreference converts a route preference into its RIO flags byte
// (RFC 4191 section 2.3).
func ParsePreference(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "medium", "":
		return 0, nil
	case "high":
		return 0x08, nil
	case "low":
		return 0x18, nil
	}
	return 0, fmt.Errorf("unknown preference %q", s)
}

// ParseLinkAddr parses a colon-separated MAC or EUI-64 link-layer
// address.
func ParseLinkAddr(s string) (ndp.LinkAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return ndp.LinkAddr{}, err
	}
	if len(hw) > 8 {
		return ndp.LinkAddr{}, fmt.Errorf("link address %q longer than 8 bytes", s)
	}
	return ndp.LinkAddrFrom(hw), nil
}
