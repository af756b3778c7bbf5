// Package nd implements the 6LoWPAN Neighbor Discovery router object
// machine (RFC 6775): border router discovery through RS/RA, learning of
// prefixes and compression contexts, ABRO version tracking, parent
// selection, address registration and multihop duplicate address
// detection through DAR/DAC relay.
//
// A Machine belongs to one stack instance and must only be used from the
// stack's event loop.
package nd

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/neighbor"
	"github.com/psaab/lowpand/pkg/radv"
	"github.com/psaab/lowpand/pkg/rib"
	"github.com/psaab/lowpand/pkg/whiteboard"
)

// State is the bootstrap state of a router object.
type State uint8

const (
	StateReady State = iota
	StateRSUnicast
	StateRSMulticast
	StateBRReady
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRSUnicast:
		return "RS_UNICAST"
	case StateRSMulticast:
		return "RS_MULTICAST"
	case StateBRReady:
		return "BR_READY"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Signal is what a timer or event asks of the caller.
type Signal uint8

const (
	SignalNone Signal = iota
	// SignalRestartBootstrap asks the caller to tear down and restart
	// network attachment on the interface.
	SignalRestartBootstrap
)

func (s Signal) String() string {
	if s == SignalRestartBootstrap {
		return "restart-bootstrap"
	}
	return "none"
}

// Mode is the ND role of an interface.
type Mode uint8

const (
	ModeHost Mode = iota
	ModeRouter
	ModeBorderRouter
)

func (m Mode) String() string {
	switch m {
	case ModeHost:
		return "host"
	case ModeRouter:
		return "router"
	case ModeBorderRouter:
		return "border-router"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "host", "":
		return ModeHost, nil
	case "router":
		return ModeRouter, nil
	case "border-router":
		return ModeBorderRouter, nil
	}
	return 0, fmt.Errorf("nd: unknown mode %q", s)
}

// Params are the ND protocol parameters. Retry intervals and timeouts are
// in ticks of 100ms.
type Params struct {
	RSRetryMax         uint8
	RSRetryIntervalMin uint32
	NSRetryMax         uint8
	NSRetryIntervalMin uint32
	TimerRandomMax     uint32
	NSForwardTimeout   uint32
	MultihopDAD        bool
	MaxObjects         int
	MaxPrefixes        int
	// RegistrationLifetime is the ARO lifetime this node requests, in
	// units of 60 seconds.
	RegistrationLifetime uint16
	// TimerAllObjects makes Timer service every router object on an
	// interface instead of only the first one.
	TimerAllObjects bool
}

// DefaultParams returns the stock parameter set.
func DefaultParams() Params {
	return Params{
		RSRetryMax:           3,
		RSRetryIntervalMin:   15,
		NSRetryMax:           5,
		NSRetryIntervalMin:   100,
		TimerRandomMax:       31,
		NSForwardTimeout:     300,
		MultihopDAD:          true,
		MaxObjects:           4,
		MaxPrefixes:          8,
		RegistrationLifetime: 60,
	}
}

// IfConfig describes one ND-bearing interface.
type IfConfig struct {
	IfID     int
	NwkID    string
	Mode     Mode
	AcceptRA bool
	// Advertise enables RA transmission on router interfaces.
	Advertise      bool
	CurHopLimit    uint8
	LinkMTU        uint32
	RouterLifetime uint16 // seconds, carried in our RAs
	ReachableTime  uint32 // milliseconds
	RetransTimer   uint32 // milliseconds
	// ChildLimit bounds how many addresses may be registered through this
	// interface. Zero means no limit.
	ChildLimit int
	// Sleepy marks a poll-driven node that must be woken for RS retries.
	Sleepy bool
}

// Neighbors is the part of a neighbor cache used by ND.
type Neighbors interface {
	Registration(addr netip.Addr) (neighbor.Type, ndp.EUI64, bool)
	Register(addr netip.Addr, t neighbor.Type, eui ndp.EUI64, lla ndp.LinkAddr, lifetime uint32)
	Learn(addr netip.Addr, lla ndp.LinkAddr, create, solicited, override bool)
	Remove(addr netip.Addr)
	// Registrations counts tentative and registered entries.
	Registrations() int
}

// Env is what the machine needs from the stack.
type Env interface {
	// SendND transmits an ND message. lla is the link destination when
	// already known; otherwise it is resolved or derived from dst.
	SendND(ifID int, src, dst netip.Addr, m ndp.Message, lla ndp.LinkAddr) error
	LinkLocal(ifID int) netip.Addr
	// GlobalAddress returns one of the node's addresses on ifID inside
	// prefix, or any global address when prefix is invalid.
	GlobalAddress(ifID int, prefix netip.Prefix) netip.Addr
	IsOwnAddress(ifID int, addr netip.Addr) bool
	LinkAddr(ifID int) ndp.LinkAddr
	EUI64(ifID int) ndp.EUI64
	Neighbors(ifID int) Neighbors
	// Autoconfigure forms or removes an address from an autonomous
	// prefix. A zero valid lifetime removes it. created reports a new
	// address that must be registered.
	Autoconfigure(ifID int, prefix netip.Prefix, valid, preferred uint32) (addr netip.Addr, created bool)
	// WakePolling makes a sleepy node listen while it solicits.
	WakePolling(ifID int)
	// AddressDuplicate reports a registration refused as duplicate.
	AddressDuplicate(ifID int, addr netip.Addr)
}

// Stats counts ND activity.
type Stats struct {
	RSSent            uint64
	RAReceived        uint64
	RAStale           uint64
	NSRegSent         uint64
	DARSent           uint64
	DACSent           uint64
	DACReceived       uint64
	RelayTimeouts     uint64
	ARO               [3]uint64 // by status
	BootstrapRestarts uint64
	ObjectsCreated    uint64
}

type relayKey struct {
	ifID int
	addr netip.Addr
}

// relay is an NS+ARO waiting on a DAC from the border router.
type relay struct {
	ifID     int
	obj      *Object
	addr     netip.Addr // address being registered
	target   netip.Addr // NS target, our own address
	eui      ndp.EUI64
	lla      ndp.LinkAddr
	lifetime uint16
	timeout  uint32
}

type iface struct {
	cfg IfConfig
	// discovery is the number of multicast RS left before any router
	// object exists.
	discovery      uint8
	discoveryTimer uint32
}

// Machine holds every router object and the advertised prefix and route
// lists of one stack instance.
type Machine struct {
	params  Params
	env     Env
	sched   *radv.Scheduler
	routes  *rib.Table
	wb      *whiteboard.Board
	rng     *rand.Rand
	ifaces  map[int]*iface
	objects []*Object
	relays  map[relayKey]*relay

	advPrefixes []*AdvPrefix
	advRoutes   []*AdvRoute

	stats Stats
}

// New returns a machine. sched and wb may be nil on nodes that never
// advertise or act as border router.
func New(p Params, env Env, sched *radv.Scheduler, routes *rib.Table, wb *whiteboard.Board, rng *rand.Rand) *Machine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if routes == nil {
		routes = rib.NewTable()
	}
	return &Machine{
		params: p,
		env:    env,
		sched:  sched,
		routes: routes,
		wb:     wb,
		rng:    rng,
		ifaces: make(map[int]*iface),
		relays: make(map[relayKey]*relay),
	}
}

// Params returns the parameters in effect.
func (m *Machine) Params() Params { return m.params }

// Stats returns a copy of the counters.
func (m *Machine) Stats() Stats { return m.stats }

// AddInterface registers an ND-bearing interface.
func (m *Machine) AddInterface(cfg IfConfig) {
	m.ifaces[cfg.IfID] = &iface{cfg: cfg}
	if m.sched != nil {
		m.sched.Init(cfg.IfID)
	}
	slog.Info("nd: interface added", "interface", cfg.IfID, "mode", cfg.Mode, "nwk", cfg.NwkID)
}

// RemoveInterface tears down everything ND holds for ifID.
func (m *Machine) RemoveInterface(ifID int) {
	m.clearInterface(ifID)
	m.advPrefixes = deleteIf(m.advPrefixes, func(p *AdvPrefix) bool { return p.IfID == ifID })
	m.advRoutes = deleteIf(m.advRoutes, func(r *AdvRoute) bool { return r.IfID == ifID })
	if m.wb != nil {
		m.wb.UnregisterAll(ifID)
	}
	delete(m.ifaces, ifID)
}

func (m *Machine) clearInterface(ifID int) {
	for _, o := range m.Objects(ifID) {
		m.removeObject(o)
	}
	for k := range m.relays {
		if k.ifID == ifID {
			delete(m.relays, k)
		}
	}
	if m.sched != nil {
		m.sched.Stop(ifID, netip.Addr{})
	}
}

// RestartBootstrap drops every router object on ifID and starts
// discovery again.
func (m *Machine) RestartBootstrap(ifID int) {
	m.stats.BootstrapRestarts++
	slog.Warn("nd: restarting bootstrap", "interface", ifID)
	m.clearInterface(ifID)
	m.Discover(ifID)
}

// SetAcceptRA enables or disables RA processing on ifID.
func (m *Machine) SetAcceptRA(ifID int, accept bool) {
	if ifc, ok := m.ifaces[ifID]; ok {
		ifc.cfg.AcceptRA = accept
	}
}

// Interface returns the configuration of ifID.
func (m *Machine) Interface(ifID int) (IfConfig, bool) {
	ifc, ok := m.ifaces[ifID]
	if !ok {
		return IfConfig{}, false
	}
	return ifc.cfg, true
}

func (m *Machine) jitter(base uint32) uint32 {
	return base + m.rng.Uint32N(m.params.TimerRandomMax+1)
}

func deleteIf[T any](s []T, del func(T) bool) []T {
	out := s[:0]
	for _, v := range s {
		if !del(v) {
			out = append(out, v)
		}
	}
	clear(s[len(out):])
	return out
}
