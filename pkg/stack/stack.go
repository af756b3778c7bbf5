// Package stack owns one IPv6 stack instance: the forwarding core, the
// ND router object machine, the RA scheduler and the tables they share.
//
// Every protocol structure is touched from a single executor goroutine
// (Run). Link receivers and other goroutines hand work to it through
// Receive and Do; everything else must be called on the executor, or
// before Run starts.
package stack

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/radv"
	"github.com/psaab/lowpand/pkg/rib"
	"github.com/psaab/lowpand/pkg/whiteboard"
)

// TicksPerSecond is the number of protocol timer ticks in one second.
const TicksPerSecond = 10

var (
	ErrStopped = errors.New("stack: not running")
	ErrRunning = errors.New("stack: already running")
)

// Config sizes and tunes a stack instance.
type Config struct {
	ND   nd.Params
	Core ipv6.Config
	// Tick is the wall-clock length of one protocol tick.
	Tick time.Duration
	// DestCacheSize bounds the destination cache; DestIdle expires
	// unused entries.
	DestCacheSize uint64
	DestIdle      time.Duration
	// WhiteboardLimit bounds the border router registry.
	WhiteboardLimit int
	// RxQueue is the depth of the receive channel feeding the executor.
	RxQueue int
	// Seed makes the stack's randomness reproducible when non-zero.
	Seed uint64
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		ND:              nd.DefaultParams(),
		Core:            ipv6.DefaultConfig(),
		Tick:            100 * time.Millisecond,
		DestCacheSize:   256,
		DestIdle:        10 * time.Minute,
		WhiteboardLimit: 512,
		RxQueue:         256,
	}
}

// Receiver is a link that reads frames on its own goroutine. Run blocks
// until ctx is cancelled, handing every frame to rx.
type Receiver interface {
	Run(ctx context.Context, rx func(data []byte, src, dst ndp.LinkAddr, broadcast bool)) error
}

// QualityReporter is a link that can rate how well a neighbor is heard.
// Higher is better.
type QualityReporter interface {
	LinkQuality(src ndp.LinkAddr) uint8
}

type frame struct {
	ifID      int
	data      []byte
	src, dst  ndp.LinkAddr
	broadcast bool
}

// Stack is one IPv6 stack instance.
type Stack struct {
	cfg    Config
	rng    *rand.Rand
	routes *rib.Table
	dests  *rib.DestCache
	wb     *whiteboard.Board
	core   *ipv6.Core
	sched  *radv.Scheduler
	nd     *nd.Machine

	ifaces map[int]*iface

	// OnBootstrapRestart, if set, is called on the executor after ND
	// gave up on an interface and discovery started over.
	OnBootstrapRestart func(ifID int)
	// OnDuplicate, if set, is called when a registration of one of our
	// addresses is refused as duplicate.
	OnDuplicate func(ifID int, addr netip.Addr)

	rx        chan frame
	events    chan func()
	stopped   chan struct{}
	running   atomic.Bool
	rxDropped atomic.Uint64

	runCtx context.Context
	wg     sync.WaitGroup
	ticks  uint64
}

// New builds a stack. Interfaces are added with AddInterface.
func New(cfg Config) *Stack {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.RxQueue < 1 {
		cfg.RxQueue = 1
	}
	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &Stack{
		cfg:     cfg,
		rng:     rng,
		routes:  rib.NewTable(),
		dests:   rib.NewDestCache(cfg.DestCacheSize, cfg.DestIdle),
		wb:      whiteboard.New(cfg.WhiteboardLimit),
		ifaces:  make(map[int]*iface),
		rx:      make(chan frame, cfg.RxQueue),
		events:  make(chan func(), 64),
		stopped: make(chan struct{}),
	}
	s.core = ipv6.New(cfg.Core, s.routes, s.dests, rng)
	s.sched = radv.New(radv.AdvertiserFunc(func(ifID int, dst, br netip.Addr) bool {
		return s.nd.SendRA(ifID, dst, br)
	}), rng)
	s.nd = nd.New(cfg.ND, (*env)(s), s.sched, s.routes, s.wb, rng)
	s.core.SetNDHandler((*env)(s))
	s.core.SetNeighborLostHook(s.neighborLost)
	return s
}

// Core returns the forwarding core.
func (s *Stack) Core() *ipv6.Core { return s.core }

// ND returns the router object machine.
func (s *Stack) ND() *nd.Machine { return s.nd }

// Scheduler returns the RA scheduler.
func (s *Stack) Scheduler() *radv.Scheduler { return s.sched }

// Routes returns the routing table.
func (s *Stack) Routes() *rib.Table { return s.routes }

// Whiteboard returns the border router registry.
func (s *Stack) Whiteboard() *whiteboard.Board { return s.wb }

// SetDeliverer installs the upper-layer protocol handler.
func (s *Stack) SetDeliverer(d ipv6.Deliverer) { s.core.SetDeliverer(d) }

// Running reports whether the executor loop is active.
func (s *Stack) Running() bool { return s.running.Load() }

// Run is the executor. It starts the receivers of every link, then
// processes received frames, posted work and timer ticks until ctx is
// cancelled.
func (s *Stack) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.stopped)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx
	for _, id := range s.ifaceIDs() {
		s.startReceiver(s.ifaces[id])
	}

	slog.Info("stack: started", "tick", s.cfg.Tick, "interfaces", len(s.ifaces))
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	var sub uint32
	for {
		select {
		case <-ctx.Done():
			cancel()
			s.wg.Wait()
			slog.Info("stack: stopped", "ticks", s.ticks, "rx_dropped", s.rxDropped.Load())
			return nil
		case f := <-s.rx:
			s.core.Receive(f.ifID, f.data, f.src, f.dst, f.broadcast)
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			s.Tick(1)
			if sub++; sub == TicksPerSecond {
				sub = 0
				s.SlowTick(1)
			}
		}
	}
}

// Do runs fn on the executor and waits for it to finish.
func (s *Stack) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive queues a frame received on ifID for the executor. It is safe
// for concurrent use and never blocks; frames arriving while the queue is
// full are dropped.
func (s *Stack) Receive(ifID int, data []byte, src, dst ndp.LinkAddr, broadcast bool) {
	f := frame{ifID: ifID, data: slices.Clone(data), src: src, dst: dst, broadcast: broadcast}
	select {
	case s.rx <- f:
	default:
		if n := s.rxDropped.Add(1); n&(n-1) == 0 {
			slog.Warn("stack: receive queue full", "interface", ifID, "dropped", n)
		}
	}
}

// Input processes a received frame synchronously. Executor only.
func (s *Stack) Input(ifID int, data []byte, src, dst ndp.LinkAddr, broadcast bool) {
	s.core.Receive(ifID, data, src, dst, broadcast)
}

// Tick runs every fast timer forward by ticks of 100ms: the RA queue,
// the ND router object timer of each interface and the neighbor caches.
func (s *Stack) Tick(ticks uint32) {
	s.ticks += uint64(ticks)
	s.sched.Tick(ticks)
	for _, id := range s.ifaceIDs() {
		s.signal(id, s.nd.Timer(id, ticks))
	}
	s.core.Tick(ticks)
}

// SlowTick ages every lifetime by seconds.
func (s *Stack) SlowTick(seconds uint32) {
	for _, id := range s.ifaceIDs() {
		s.signal(id, s.nd.SlowTimer(id, seconds))
	}
	s.core.SlowTick(seconds)
	for _, r := range s.routes.Tick(seconds) {
		slog.Debug("stack: route expired", "route", r)
	}
	s.ageAutoconf(seconds)
}

func (s *Stack) signal(ifID int, sig nd.Signal) {
	if sig != nd.SignalRestartBootstrap {
		return
	}
	s.nd.RestartBootstrap(ifID)
	if s.OnBootstrapRestart != nil {
		s.OnBootstrapRestart(ifID)
	}
}

// neighborLost tells ND that a neighbor stopped answering, in case it was
// a default hop.
func (s *Stack) neighborLost(ifID int, addr netip.Addr) {
	if _, ok := s.ifaces[ifID]; !ok {
		return
	}
	s.signal(ifID, s.nd.DefaultHopLost(ifID, addr))
}

func (s *Stack) ifaceIDs() []int {
	ids := make([]int, 0, len(s.ifaces))
	for id := range s.ifaces {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Stack) startReceiver(ifc *iface) {
	r, ok := ifc.link.(Receiver)
	if !ok || s.runCtx == nil || ifc.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	ifc.cancel = cancel
	id := ifc.id
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := r.Run(ctx, func(data []byte, src, dst ndp.LinkAddr, broadcast bool) {
			s.Receive(id, data, src, dst, broadcast)
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("stack: link receiver failed", "interface", id, "err", err)
		}
	}()
}
