package config

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/radv"
	"github.com/psaab/lowpand/pkg/stack"
)

// StackConfig returns the stack settings.
func (c *Config) StackConfig() stack.Config {
	sc := stack.DefaultConfig()
	sc.Tick = c.Tick
	sc.Seed = c.Seed
	sc.ND = nd.Params{
		RSRetryMax:           c.ND.RSRetryMax,
		RSRetryIntervalMin:   c.ND.RSRetryIntervalMin,
		NSRetryMax:           c.ND.NSRetryMax,
		NSRetryIntervalMin:   c.ND.NSRetryIntervalMin,
		TimerRandomMax:       c.ND.TimerRandomMax,
		NSForwardTimeout:     c.ND.NSForwardTimeout,
		MultihopDAD:          c.ND.MultihopDAD,
		MaxObjects:           c.ND.MaxRouterObjects,
		MaxPrefixes:          c.ND.MaxPrefixes,
		RegistrationLifetime: c.ND.RegistrationLifetime,
		TimerAllObjects:      c.ND.TimerAllObjects,
	}
	sc.Core.QueueLimit = c.IPv6.ResolutionQueueLimit
	if c.IPv6.NeighborCacheSize > 0 {
		sc.Core.Neighbor.Size = c.IPv6.NeighborCacheSize
	}
	if c.IPv6.ICMPErrorsPerSecond > 0 {
		sc.Core.ICMPRate = rate.Limit(c.IPv6.ICMPErrorsPerSecond)
	} else {
		sc.Core.ICMPRate = rate.Inf
	}
	sc.Core.ICMPBurst = c.IPv6.ICMPBurst
	if c.IPv6.ReassemblyTimeout > 0 {
		sc.Core.ReassemblyTimeout = uint32(c.IPv6.ReassemblyTimeout)
	}
	if c.IPv6.MaxReassemblies > 0 {
		sc.Core.MaxReassemblies = c.IPv6.MaxReassemblies
	}
	if c.IPv6.DestCacheSize > 0 {
		sc.DestCacheSize = uint64(c.IPv6.DestCacheSize)
	}
	if c.IPv6.WhiteboardSize > 0 {
		sc.WhiteboardLimit = c.IPv6.WhiteboardSize
	}
	return sc
}

// StackInterface converts ic into the stack's interface settings. The
// caller supplies the link.
func (ic *InterfaceConfig) StackInterface() (stack.IfaceConfig, error) {
	mode, err := nd.ParseMode(ic.Mode)
	if err != nil {
		return stack.IfaceConfig{}, err
	}
	acceptRA := mode != nd.ModeBorderRouter
	if ic.AcceptRA != nil {
		acceptRA = *ic.AcceptRA
	}
	out := stack.IfaceConfig{
		Name: ic.Name,
		ND: nd.IfConfig{
			IfID:           ic.ID,
			NwkID:          ic.NwkID,
			Mode:           mode,
			AcceptRA:       acceptRA,
			Advertise:      ic.Advertise,
			CurHopLimit:    ic.CurHopLimit,
			LinkMTU:        ic.MTU,
			RouterLifetime: ic.RouterLifetime,
			ReachableTime:  ic.ReachableTime,
			RetransTimer:   ic.RetransTimer,
			ChildLimit:     ic.ChildLimit,
			Sleepy:         ic.Sleepy,
		},
		Forwarding: ic.Forwarding,
	}
	if out.ND.CurHopLimit == 0 {
		out.ND.CurHopLimit = 64
	}
	if out.ND.LinkMTU == 0 {
		out.ND.LinkMTU = 1280
	}
	for _, a := range ic.Addresses {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return out, fmt.Errorf("address %q: %w", a, err)
		}
		out.Addresses = append(out.Addresses, p)
	}
	if t := ic.RATiming; t != nil {
		rc := radv.DefaultConfig()
		setIf(&rc.MinRtrAdvInterval, t.MinInterval)
		setIf(&rc.MaxRtrAdvInterval, t.MaxInterval)
		setIf(&rc.MaxInitialRtrAdvInterval, t.MaxInitialInterval)
		setIf(&rc.MaxRADelayTime, t.MaxDelay)
		setIf(&rc.MinDelayBetweenRAs, t.MinDelayBetween)
		if t.InitialAdvertisements != 0 {
			rc.MaxInitialRtrAdvertisements = t.InitialAdvertisements
		}
		out.RATiming = &rc
	}
	for _, rp := range ic.Prefixes {
		p, err := rp.prefix()
		if err != nil {
			return out, err
		}
		out.Prefixes = append(out.Prefixes, nd.AdvPrefix{
			IfID: ic.ID, Prefix: p.Prefix, Flags: p.Flags, Valid: p.Valid, Preferred: p.Preferred,
		})
	}
	for _, r := range ic.Routes {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return out, fmt.Errorf("route %q: %w", r.Prefix, err)
		}
		pref, err := ParsePreference(r.Preference)
		if err != nil {
			return out, fmt.Errorf("route %q: %w", r.Prefix, err)
		}
		out.Routes = append(out.Routes, nd.AdvRoute{IfID: ic.ID, Prefix: p.Masked(), Preference: pref, Lifetime: r.Lifetime})
	}
	if br := ic.BorderRouter; br != nil {
		bc, err := br.convert()
		if err != nil {
			return out, err
		}
		out.BorderRouter = bc
	}
	return out, nil
}

// Neighbors returns the static neighbor table.
func (ic *InterfaceConfig) Neighbors() (map[netip.Addr]ndp.LinkAddr, error) {
	if len(ic.StaticNeighbors) == 0 {
		return nil, nil
	}
	m := make(map[netip.Addr]ndp.LinkAddr, len(ic.StaticNeighbors))
	for a, l := range ic.StaticNeighbors {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("static neighbor %q: %w", a, err)
		}
		lla, err := ParseLinkAddr(l)
		if err != nil {
			return nil, fmt.Errorf("static neighbor %q: %w", a, err)
		}
		m[addr] = lla
	}
	return m, nil
}

// LeaseTimeout returns the leasequery timeout, defaulting to two seconds.
func (tc *ThreadConfig) LeaseTimeout() time.Duration {
	if tc == nil || tc.Timeout <= 0 {
		return 2 * time.Second
	}
	return tc.Timeout
}

func (br *BorderRouterConfig) convert() (*nd.BRConfig, error) {
	a, err := netip.ParseAddr(br.Address)
	if err != nil {
		return nil, fmt.Errorf("border router address: %w", err)
	}
	out := &nd.BRConfig{
		Address:        a,
		ABROVersion:    br.ABROVersion,
		ABROLifetime:   br.ABROLifetime,
		RouterLifetime: br.RouterLifetime,
	}
	for _, rp := range br.Prefixes {
		p, err := rp.prefix()
		if err != nil {
			return nil, err
		}
		out.Prefixes = append(out.Prefixes, p)
	}
	for _, cc := range br.Contexts {
		p, err := netip.ParsePrefix(cc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("context %d: %w", cc.ID, err)
		}
		for len(out.Contexts) <= cc.ID {
			out.Contexts = append(out.Contexts, nd.Context{})
		}
		out.Contexts[cc.ID] = nd.Context{Prefix: p, Compress: cc.Compress, Lifetime: cc.Lifetime}
	}
	return out, nil
}

func (p *RAPrefix) prefix() (nd.Prefix, error) {
	pfx, err := netip.ParsePrefix(p.Prefix)
	if err != nil {
		return nd.Prefix{}, fmt.Errorf("prefix %q: %w", p.Prefix, err)
	}
	var flags uint8
	if p.OnLink == nil || *p.OnLink {
		flags |= ndp.PrefixOnLink
	}
	if p.Autonomous == nil || *p.Autonomous {
		flags |= ndp.PrefixAutonomous
	}
	return nd.Prefix{Prefix: pfx.Masked(), Flags: flags, Valid: p.ValidLifetime, Preferred: p.PreferredLife}, nil
}

func setIf(dst *uint32, v uint32) {
	if v != 0 {
		*dst = v
	}
}
