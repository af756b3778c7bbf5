package stack

import (
	"context"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/radv"
)

// ObjectInfo describes one ND router object.
type ObjectInfo struct {
	IfID        int
	NwkID       string
	BR          netip.Addr
	State       nd.State
	DefaultHop  netip.Addr
	ABROVersion uint32
	Prefixes    int
}

// InterfaceInfo describes one interface.
type InterfaceInfo struct {
	ID        int
	Name      string
	Mode      nd.Mode
	Active    bool
	MTU       uint32
	Neighbors int
	Addresses []netip.Prefix
}

// Snapshot is a consistent copy of the stack's state and counters.
type Snapshot struct {
	Core       ipv6.Stats
	ND         nd.Stats
	RA         radv.Stats
	RAPending  int
	Interfaces []InterfaceInfo
	Objects    []ObjectInfo
	Routes     int
	Whiteboard int
	RxDropped  uint64
	Ticks      uint64
}

// Snapshot copies the current state. Executor only; other goroutines use
// Collect.
func (s *Stack) Snapshot() Snapshot {
	snap := Snapshot{
		Core:       s.core.Stats(),
		ND:         s.nd.Stats(),
		RA:         s.sched.Stats(),
		RAPending:  s.sched.Len(),
		Routes:     s.routes.Len(),
		Whiteboard: s.wb.Len(),
		RxDropped:  s.rxDropped.Load(),
		Ticks:      s.ticks,
	}
	for _, id := range s.ifaceIDs() {
		info := InterfaceInfo{ID: id, Name: s.ifaces[id].name, Active: s.nd.Active(id)}
		if cfg, ok := s.nd.Interface(id); ok {
			info.Mode = cfg.Mode
		}
		if ifc := s.core.Interface(id); ifc != nil {
			info.MTU = ifc.MTU
			info.Addresses = append(info.Addresses, ifc.Addrs()...)
		}
		if nc := s.core.Neighbors(id); nc != nil {
			info.Neighbors = nc.Len()
		}
		snap.Interfaces = append(snap.Interfaces, info)
	}
	for _, o := range s.nd.AllObjects() {
		snap.Objects = append(snap.Objects, ObjectInfo{
			IfID:        o.IfID,
			NwkID:       o.NwkID,
			BR:          o.BR,
			State:       o.State,
			DefaultHop:  o.DefaultHop.Addr,
			ABROVersion: o.ABROVersion,
			Prefixes:    len(o.Prefixes),
		})
	}
	return snap
}

// Collect takes a Snapshot on the executor.
func (s *Stack) Collect(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.Call(ctx, func() { snap = s.Snapshot() })
	return snap, err
}

// Call runs fn on the executor, or directly when the executor is not
// running.
func (s *Stack) Call(ctx context.Context, fn func()) error {
	if !s.Running() {
		fn()
		return nil
	}
	return s.Do(ctx, fn)
}
