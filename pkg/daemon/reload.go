package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/psaab/lowpand/pkg/config"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/radv"
	"github.com/psaab/lowpand/pkg/stack"
)

// Reload rereads the configuration file and applies what can change
// without a restart: logging, advertised prefixes and routes, RA timing,
// border router information and RA acceptance. Interfaces that were added
// or removed, and other interface settings, wait for a restart.
func (d *Daemon) Reload(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.applyLogging(cfg)

	for _, ic := range cfg.Interfaces {
		id, ok := d.ids[ic.Name]
		if !ok {
			slog.Warn("reload: new interface needs a restart", "interface", ic.Name)
			continue
		}
		ic.ID = id
		next, err := ic.StackInterface()
		if err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		prev, err := d.cfg.Interface(ic.Name).StackInterface()
		if err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		if err := d.stack.Call(ctx, func() { applyInterface(d.stack, id, prev, next) }); err != nil {
			return err
		}
	}
	// Removed interfaces stay up, so keep describing them.
	for _, ic := range d.cfg.Interfaces {
		if cfg.Interface(ic.Name) == nil {
			slog.Warn("reload: removed interface stays up until restart", "interface", ic.Name)
			cfg.Interfaces = append(cfg.Interfaces, ic)
		}
	}
	d.cfg = cfg
	slog.Info("configuration reloaded", "file", d.opts.ConfigFile)
	return nil
}

// applyInterface moves the live interface id from prev to next. Executor
// only.
func applyInterface(s *stack.Stack, id int, prev, next stack.IfaceConfig) {
	m := s.ND()

	for _, p := range prev.Prefixes {
		if !slices.ContainsFunc(next.Prefixes, func(x nd.AdvPrefix) bool { return x.Prefix == p.Prefix }) {
			m.RemoveAdvertisedPrefix(id, p.Prefix)
			slog.Info("reload: prefix withdrawn", "interface", id, "prefix", p.Prefix)
		}
	}
	for _, p := range next.Prefixes {
		p.IfID = id
		if !slices.Contains(m.AdvertisedPrefixes(id), p) {
			m.AddAdvertisedPrefix(p)
			slog.Info("reload: prefix advertised", "interface", id, "prefix", p.Prefix)
		}
	}

	for _, r := range prev.Routes {
		if !slices.ContainsFunc(next.Routes, func(x nd.AdvRoute) bool { return x.Prefix == r.Prefix }) {
			m.RemoveAdvertisedRoute(id, r.Prefix)
			slog.Info("reload: route withdrawn", "interface", id, "prefix", r.Prefix)
		}
	}
	for _, r := range next.Routes {
		r.IfID = id
		if !slices.Contains(m.AdvertisedRoutes(id), r) {
			m.AddAdvertisedRoute(r)
			slog.Info("reload: route advertised", "interface", id, "prefix", r.Prefix)
		}
	}

	if !reflect.DeepEqual(prev.RATiming, next.RATiming) {
		rc := radv.DefaultConfig()
		if next.RATiming != nil {
			rc = *next.RATiming
		}
		s.Scheduler().SetConfig(id, rc)
		slog.Info("reload: RA timing changed", "interface", id)
	}

	if next.BorderRouter != nil && !reflect.DeepEqual(prev.BorderRouter, next.BorderRouter) {
		if prev.BorderRouter != nil && next.BorderRouter.ABROVersion <= prev.BorderRouter.ABROVersion {
			slog.Warn("reload: border router changed without a higher abro_version; routers may keep old information",
				"interface", id, "version", next.BorderRouter.ABROVersion)
		}
		m.SetBorderRouter(id, *next.BorderRouter)
	}

	if prev.ND.AcceptRA != next.ND.AcceptRA {
		m.SetAcceptRA(id, next.ND.AcceptRA)
		slog.Info("reload: accept_ra changed", "interface", id, "accept", next.ND.AcceptRA)
	}
	a, b := prev.ND, next.ND
	a.AcceptRA, b.AcceptRA = false, false
	if a != b || !slices.Equal(prev.Addresses, next.Addresses) || prev.Forwarding != next.Forwarding {
		slog.Warn("reload: interface settings need a restart", "interface", id)
	}
}
