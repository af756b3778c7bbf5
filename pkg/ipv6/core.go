// Package ipv6 is the IPv6 forwarding core: a staged packet pipeline
// covering header construction, routing and path MTU, forwarding with
// RFC 4291 and RFC 4007 checks, extension header processing, ICMPv6
// errors, fragmentation, tunnel exit and neighbor address resolution.
//
// Buffers move between stages through Process, which loops on the
// direction and stage tag of each buffer until a stage consumes it. The
// core is not safe for concurrent use; the owning stack drives it from a
// single goroutine.
package ipv6

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/neighbor"
	"github.com/psaab/lowpand/pkg/rib"
)

// NoInterface is the zero interface id: no zone, no forced interface.
const NoInterface = 0

var (
	ErrNoRoute     = errors.New("ipv6: no route")
	ErrNoSource    = errors.New("ipv6: no source address")
	ErrTooBig      = errors.New("ipv6: packet too big")
	ErrDropped     = errors.New("ipv6: packet dropped")
	ErrUnreachable = errors.New("ipv6: neighbor unreachable")
	ErrNoInterface = errors.New("ipv6: unknown interface")
)

// Config tunes the core.
type Config struct {
	// QueueLimit bounds the packets held per unresolved neighbor.
	QueueLimit int
	Neighbor   neighbor.Config
	// ICMPRate and ICMPBurst limit ICMPv6 error generation.
	ICMPRate  rate.Limit
	ICMPBurst int
	// ReassemblyTimeout is in seconds.
	ReassemblyTimeout uint32
	MaxReassemblies   int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		QueueLimit:        2,
		Neighbor:          neighbor.DefaultConfig(),
		ICMPRate:          rate.Every(100 * time.Millisecond),
		ICMPBurst:         10,
		ReassemblyTimeout: 60,
		MaxReassemblies:   16,
	}
}

// NDHandler receives ND messages addressed to this node.
type NDHandler interface {
	HandleND(ifID int, src, dst netip.Addr, m ndp.Message)
}

// Deliverer receives packets for upper-layer protocols. Deliver returns
// false when nothing listens on the packet's protocol or port.
type Deliverer interface {
	Deliver(b *Buffer) bool
}

// HookAction is the extension header hook's decision.
type HookAction uint8

const (
	HookContinue HookAction = iota
	HookDrop
	// HookTunnel encapsulates the packet towards the returned address.
	HookTunnel
)

// ExtHeaderHook may rewrite a packet's extension headers in place before
// it is transmitted, request tunnel encapsulation, or veto it.
type ExtHeaderHook func(b *Buffer) (HookAction, netip.Addr)

// OptionHook processes a Hop-by-Hop or Destination option the core does
// not know. It returns false when the option is not handled either.
type OptionHook func(b *Buffer, typ uint8, data []byte) bool

// Core is the IPv6 packet pipeline of one stack instance.
type Core struct {
	cfg    Config
	routes *rib.Table
	dests  *rib.DestCache
	ifaces map[int]*Interface
	nbrs   map[int]*neighbor.Cache[*Buffer]

	nd      NDHandler
	upper   Deliverer
	extHook ExtHeaderHook
	optHook OptionHook
	lost    func(ifID int, addr netip.Addr)

	limiter *rate.Limiter
	now     func() time.Time
	fragID  uint32
	reasm   *reassembler

	work    []*Buffer
	running bool
	stats   Stats
}

// New returns a core using routes and dests. rng seeds fragment
// identifiers.
func New(cfg Config, routes *rib.Table, dests *rib.DestCache, rng *rand.Rand) *Core {
	if cfg.QueueLimit < 1 {
		cfg.QueueLimit = 1
	}
	if cfg.ICMPBurst < 1 {
		cfg.ICMPBurst = 1
	}
	c := &Core{
		cfg:     cfg,
		routes:  routes,
		dests:   dests,
		ifaces:  make(map[int]*Interface),
		nbrs:    make(map[int]*neighbor.Cache[*Buffer]),
		limiter: rate.NewLimiter(cfg.ICMPRate, cfg.ICMPBurst),
		now:     time.Now,
		fragID:  rng.Uint32(),
	}
	c.reasm = newReassembler(cfg.MaxReassemblies, cfg.ReassemblyTimeout)
	return c
}

// SetNDHandler installs the receiver of ND messages.
func (c *Core) SetNDHandler(h NDHandler) { c.nd = h }

// SetDeliverer installs the upper-layer receiver.
func (c *Core) SetDeliverer(d Deliverer) { c.upper = d }

// SetExtHeaderHook installs the extension header hook.
func (c *Core) SetExtHeaderHook(h ExtHeaderHook) { c.extHook = h }

// SetOptionHook installs the unknown-option hook.
func (c *Core) SetOptionHook(h OptionHook) { c.optHook = h }

// SetNeighborLostHook installs fn, called when a neighbor on any
// interface fails resolution or unreachability detection.
func (c *Core) SetNeighborLostHook(fn func(ifID int, addr netip.Addr)) { c.lost = fn }

// SetClock replaces the clock used for ICMPv6 rate limiting.
func (c *Core) SetClock(now func() time.Time) { c.now = now }

// Stats returns a copy of the counters.
func (c *Core) Stats() Stats { return c.stats }

// Routes returns the routing table.
func (c *Core) Routes() *rib.Table { return c.routes }

// Dests returns the destination cache.
func (c *Core) Dests() *rib.DestCache { return c.dests }

// AddInterface registers ifc and returns its neighbor cache.
func (c *Core) AddInterface(ifc *Interface) *neighbor.Cache[*Buffer] {
	if ifc.CurHopLimit == 0 {
		ifc.CurHopLimit = 64
	}
	if ifc.MTU == 0 {
		ifc.MTU = MinimumMTU
	}
	if ifc.groups == nil {
		ifc.groups = make(map[netip.Addr]int)
	}
	c.ifaces[ifc.ID] = ifc
	nc := neighbor.New[*Buffer](ifc.ID, c.cfg.Neighbor, &resolver{c: c, ifID: ifc.ID})
	nc.OnUnreachable(func(addr netip.Addr) {
		if c.lost != nil {
			c.lost(ifc.ID, addr)
		}
	})
	c.nbrs[ifc.ID] = nc
	slog.Info("ipv6: interface added", "interface", ifc.ID, "mtu", ifc.MTU, "forwarding", ifc.Forwarding)
	return nc
}

// RemoveInterface drops ifID with its neighbors, routes and cached
// destinations.
func (c *Core) RemoveInterface(ifID int) {
	if nc, ok := c.nbrs[ifID]; ok {
		nc.Flush()
	}
	delete(c.nbrs, ifID)
	delete(c.ifaces, ifID)
	c.routes.RemoveInterface(ifID)
	c.dests.RemoveInterface(ifID)
	slog.Info("ipv6: interface removed", "interface", ifID)
}

// Interface returns the interface with id ifID, or nil.
func (c *Core) Interface(ifID int) *Interface { return c.ifaces[ifID] }

// Neighbors returns the neighbor cache of ifID, or nil.
func (c *Core) Neighbors(ifID int) *neighbor.Cache[*Buffer] { return c.nbrs[ifID] }

// Receive injects a packet received from the link.
func (c *Core) Receive(ifID int, data []byte, linkSrc, linkDst ndp.LinkAddr, broadcast bool) {
	b := &Buffer{
		Dir:     Up,
		Stage:   StageMAC,
		IfID:    ifID,
		Data:    data,
		LinkSrc: linkSrc,
		LinkDst: linkDst,
	}
	if broadcast {
		b.Flags |= FlagLinkBroadcast
	}
	c.Process(b)
}

// Process runs b through the pipeline, along with every buffer the stages
// queue while doing so, until all of them are consumed.
func (c *Core) Process(b *Buffer) {
	c.enqueue(b)
	if c.running {
		return
	}
	c.running = true
	defer func() { c.running = false }()
	for len(c.work) > 0 {
		b := c.work[0]
		c.work[0] = nil
		c.work = c.work[1:]
		for b != nil {
			b = c.step(b)
		}
	}
	c.work = nil
}

func (c *Core) enqueue(b *Buffer) {
	if b != nil {
		c.work = append(c.work, b)
	}
}

// step runs the stage b is tagged for and returns the buffer to continue
// with, or nil once the stage has consumed it.
func (c *Core) step(b *Buffer) *Buffer {
	if b.Dir == Down {
		switch b.Stage {
		case StageICMP:
			return c.transportDown(b, ProtoICMPv6)
		case StageUDP:
			return c.transportDown(b, ProtoUDP)
		case StageTCP:
			return c.transportDown(b, ProtoTCP)
		case StageIPv6:
			return c.ipv6Down(b)
		case StageForward:
			return c.forwardingDown(b)
		case StageTxRx:
			return c.txDown(b)
		case StageMAC:
			return c.macDown(b)
		}
	} else {
		switch b.Stage {
		case StageMAC:
			c.stats.Received++
			b.Stage = StageForward
			return b
		case StageForward:
			return c.forwardingUp(b)
		case StageTxRx:
			return c.tunnelExit(b)
		case StageICMP:
			return c.icmpUp(b)
		case StageUDP, StageTCP, StageApp:
			return c.deliver(b)
		}
	}
	slog.Debug("ipv6: no stage", "dir", b.Dir, "stage", b.Stage)
	c.drop(b, DropMalformed)
	return nil
}

// drop counts and releases b.
func (c *Core) drop(b *Buffer, why DropReason) {
	c.stats.Drops[why]++
	err := ErrDropped
	switch why {
	case DropNoRoute, DropNoInterface, DropQueueOverflow:
		err = ErrNoRoute
	case DropTooBig:
		err = ErrTooBig
	case DropResolution:
		err = ErrUnreachable
	}
	b.finish(err)
}

// Tick runs neighbor timers forward by ticks of 100ms.
func (c *Core) Tick(ticks uint32) {
	for _, nc := range c.nbrs {
		nc.Tick(ticks)
	}
}

// SlowTick ages registrations, cached destinations and partial
// reassemblies by seconds.
func (c *Core) SlowTick(seconds uint32) {
	for _, nc := range c.nbrs {
		nc.SlowTick(seconds)
	}
	c.dests.Expire()
	for _, b := range c.reasm.tick(seconds) {
		c.stats.ReassemblyTimeout++
		// RFC 8200 section 4.5: Time Exceeded only when the first
		// fragment arrived.
		c.Process(c.icmpError(b, DropFragment, icmpTimeExceeded, codeReassemblyTimeout, 0))
	}
}
