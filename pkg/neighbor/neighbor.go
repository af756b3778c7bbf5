// Package neighbor implements the IPv6 neighbor cache of one interface:
// Neighbor Unreachability Detection states (RFC 4861 section 7.3), 6LoWPAN
// registration types (RFC 6775 section 6.3) and per-entry storage for
// packets waiting on address resolution.
//
// Garbage-collectible entries live in an LRU; when one is pushed out, its
// waiting packets are failed through the Handler. Tentative and registered
// entries are pinned and leave only when their registration lifetime runs
// out or they are removed explicitly.
package neighbor

import (
	"log/slog"
	"net/netip"

	"github.com/golang/groupcache/lru"

	"github.com/psaab/lowpand/pkg/ndp"
)

// State is the reachability state of an entry.
type State uint8

const (
	StateNew State = iota
	StateIncomplete
	StateReachable
	StateStale
	StateDelay
	StateProbe
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateIncomplete:
		return "INCOMPLETE"
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StateDelay:
		return "DELAY"
	case StateProbe:
		return "PROBE"
	case StateUnreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Type is the 6LoWPAN registration type of an entry.
type Type uint8

const (
	TypeGC Type = iota
	TypeTentative
	TypeRegistered
)

func (t Type) String() string {
	switch t {
	case TypeGC:
		return "GC"
	case TypeTentative:
		return "TENTATIVE"
	case TypeRegistered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one neighbor. P is the packet type held while resolving.
type Entry[P any] struct {
	Addr     netip.Addr
	LinkAddr ndp.LinkAddr
	State    State
	Type     Type
	EUI64    ndp.EUI64
	IsRouter bool
	// Lifetime is the remaining registration lifetime in seconds for
	// tentative and registered entries.
	Lifetime uint32
	// Queue holds packets waiting for resolution, oldest first.
	Queue []P

	timer   uint32
	retries uint8
}

// Handler receives the cache's protocol actions. All calls happen on the
// goroutine driving the cache.
type Handler[P any] interface {
	// Solicit sends a Neighbor Solicitation for e, unicast to its cached
	// link address when unicast is set.
	Solicit(e *Entry[P], unicast bool)
	// Resolved is called when an incomplete entry learns its link address.
	Resolved(e *Entry[P])
	// Failed is called when e leaves the cache with packets queued.
	Failed(e *Entry[P])
}

// Config holds NUD timing in ticks of 100ms.
type Config struct {
	Size                int
	ReachableTime       uint32
	RetransTimer        uint32
	DelayFirstProbeTime uint32
	MaxMulticastSolicit uint8
	MaxUnicastSolicit   uint8
}

// DefaultConfig returns RFC 4861 section 10 defaults.
func DefaultConfig() Config {
	return Config{
		Size:                64,
		ReachableTime:       300,
		RetransTimer:        10,
		DelayFirstProbeTime: 50,
		MaxMulticastSolicit: 3,
		MaxUnicastSolicit:   3,
	}
}

// Cache is a per-interface neighbor cache. It is not safe for concurrent
// use.
type Cache[P any] struct {
	ifID    int
	cfg     Config
	h       Handler[P]
	gc      *lru.Cache
	entries map[netip.Addr]*Entry[P]
	// pinning suppresses the eviction callback while an entry moves out
	// of the LRU.
	pinning bool
	lost    func(addr netip.Addr)
}

// New returns an empty cache for interface ifID.
func New[P any](ifID int, cfg Config, h Handler[P]) *Cache[P] {
	c := &Cache[P]{
		ifID:    ifID,
		cfg:     cfg,
		h:       h,
		gc:      lru.New(cfg.Size),
		entries: make(map[netip.Addr]*Entry[P]),
	}
	c.gc.OnEvicted = c.evicted
	return c
}

func (c *Cache[P]) evicted(key lru.Key, value interface{}) {
	if c.pinning {
		return
	}
	e := value.(*Entry[P])
	delete(c.entries, e.Addr)
	slog.Debug("neighbor: entry evicted", "interface", c.ifID, "addr", e.Addr, "state", e.State)
	if len(e.Queue) > 0 && c.h != nil {
		c.h.Failed(e)
	}
	e.Queue = nil
}

// OnUnreachable installs fn, called after a Tick for every neighbor whose
// resolution or unreachability detection failed.
func (c *Cache[P]) OnUnreachable(fn func(addr netip.Addr)) { c.lost = fn }

// Len returns the number of entries.
func (c *Cache[P]) Len() int { return len(c.entries) }

// Registrations returns the number of tentative and registered entries.
func (c *Cache[P]) Registrations() int { return len(c.entries) - c.gc.Len() }

// Lookup returns the entry for addr and refreshes its LRU position.
func (c *Cache[P]) Lookup(addr netip.Addr) *Entry[P] {
	e, ok := c.entries[addr]
	if !ok {
		return nil
	}
	if e.Type == TypeGC {
		c.gc.Get(addr)
	}
	return e
}

// Peek returns the entry for addr without touching the LRU.
func (c *Cache[P]) Peek(addr netip.Addr) *Entry[P] {
	return c.entries[addr]
}

// LookupOrCreate returns the entry for addr, creating it in StateNew.
func (c *Cache[P]) LookupOrCreate(addr netip.Addr) (*Entry[P], bool) {
	if e := c.Lookup(addr); e != nil {
		return e, false
	}
	e := &Entry[P]{Addr: addr, State: StateNew}
	c.entries[addr] = e
	c.gc.Add(addr, e)
	return e, true
}

// Remove drops addr from the cache, failing any queued packets.
func (c *Cache[P]) Remove(addr netip.Addr) {
	e, ok := c.entries[addr]
	if !ok {
		return
	}
	if e.Type == TypeGC {
		c.gc.Remove(addr)
		return
	}
	delete(c.entries, addr)
	if len(e.Queue) > 0 && c.h != nil {
		c.h.Failed(e)
	}
	e.Queue = nil
}

// Flush removes every entry.
func (c *Cache[P]) Flush() {
	for addr := range c.entries {
		c.Remove(addr)
	}
}

// SetType changes the registration type, moving the entry in or out of
// the garbage-collected set.
func (c *Cache[P]) SetType(e *Entry[P], t Type) {
	if e.Type == t {
		return
	}
	switch {
	case e.Type == TypeGC:
		c.pinning = true
		c.gc.Remove(e.Addr)
		c.pinning = false
	case t == TypeGC:
		c.gc.Add(e.Addr, e)
	}
	e.Type = t
}

// SetState moves e to s and arms the state's timer.
func (c *Cache[P]) SetState(e *Entry[P], s State) {
	e.State = s
	e.retries = 0
	switch s {
	case StateIncomplete:
		e.timer = c.cfg.RetransTimer
	case StateReachable:
		e.timer = c.cfg.ReachableTime
	case StateDelay:
		e.timer = c.cfg.DelayFirstProbeTime
	case StateProbe:
		e.timer = c.cfg.RetransTimer
	default:
		e.timer = 0
	}
}

// StartResolution moves a new entry to INCOMPLETE and sends the first
// solicitation. It is a no-op for any other state.
func (c *Cache[P]) StartResolution(e *Entry[P]) {
	if e.State != StateNew {
		return
	}
	c.SetState(e, StateIncomplete)
	e.retries = 1
	if c.h != nil {
		c.h.Solicit(e, false)
	}
}

// Update records a link-layer address learned from ND. A solicited
// confirmation makes the entry REACHABLE; anything else leaves it STALE
// when the address changed or the entry was unresolved.
func (c *Cache[P]) Update(e *Entry[P], lla ndp.LinkAddr, solicited, override bool) {
	if !lla.IsValid() {
		if solicited && e.LinkAddr.IsValid() {
			c.SetState(e, StateReachable)
		}
		return
	}
	changed := lla != e.LinkAddr
	wasUnresolved := e.State == StateNew || e.State == StateIncomplete
	if changed && !wasUnresolved && !override && solicited {
		// RFC 4861 7.2.5: a solicited, non-override NA with a different
		// address only demotes a REACHABLE entry.
		if e.State == StateReachable {
			c.SetState(e, StateStale)
		}
		return
	}
	if changed || wasUnresolved {
		e.LinkAddr = lla
	}
	switch {
	case solicited:
		c.SetState(e, StateReachable)
	case changed || wasUnresolved:
		c.SetState(e, StateStale)
	}
	if wasUnresolved && c.h != nil {
		c.h.Resolved(e)
	}
}

// Used notes that traffic was sent through e.
func (c *Cache[P]) Used(e *Entry[P]) {
	if e.State == StateStale {
		c.SetState(e, StateDelay)
	}
}

// Confirm records upper-layer reachability confirmation.
func (c *Cache[P]) Confirm(e *Entry[P]) {
	if e.LinkAddr.IsValid() {
		c.SetState(e, StateReachable)
	}
}

// Each calls fn for every entry until fn returns false.
func (c *Cache[P]) Each(fn func(e *Entry[P]) bool) {
	for _, e := range c.entries {
		if !fn(e) {
			return
		}
	}
}

// Tick runs NUD timers forward.
func (c *Cache[P]) Tick(ticks uint32) {
	var drop, lost []netip.Addr
	for addr, e := range c.entries {
		if e.timer == 0 {
			continue
		}
		if e.timer > ticks {
			e.timer -= ticks
			continue
		}
		e.timer = 0
		switch e.State {
		case StateIncomplete:
			if e.retries >= c.cfg.MaxMulticastSolicit {
				drop = append(drop, addr)
				lost = append(lost, addr)
				continue
			}
			e.retries++
			e.timer = c.cfg.RetransTimer
			if c.h != nil {
				c.h.Solicit(e, false)
			}
		case StateReachable:
			c.SetState(e, StateStale)
		case StateDelay:
			c.SetState(e, StateProbe)
			e.retries = 1
			if c.h != nil {
				c.h.Solicit(e, true)
			}
		case StateProbe:
			if e.retries >= c.cfg.MaxUnicastSolicit {
				lost = append(lost, addr)
				if e.Type != TypeGC {
					c.SetState(e, StateUnreachable)
					continue
				}
				drop = append(drop, addr)
				continue
			}
			e.retries++
			e.timer = c.cfg.RetransTimer
			if c.h != nil {
				c.h.Solicit(e, true)
			}
		}
	}
	for _, addr := range drop {
		slog.Debug("neighbor: resolution failed", "interface", c.ifID, "addr", addr)
		c.Remove(addr)
	}
	if c.lost != nil {
		for _, addr := range lost {
			c.lost(addr)
		}
	}
}

// SlowTick ages registration lifetimes by seconds, removing expired
// registrations.
func (c *Cache[P]) SlowTick(seconds uint32) {
	var drop []netip.Addr
	for addr, e := range c.entries {
		if e.Type == TypeGC {
			continue
		}
		if e.Lifetime > seconds {
			e.Lifetime -= seconds
			continue
		}
		drop = append(drop, addr)
	}
	for _, addr := range drop {
		slog.Info("neighbor: registration expired", "interface", c.ifID, "addr", addr)
		c.Remove(addr)
	}
}

// Registration reports the 6LoWPAN registration state of addr.
func (c *Cache[P]) Registration(addr netip.Addr) (Type, ndp.EUI64, bool) {
	e, ok := c.entries[addr]
	if !ok {
		return TypeGC, ndp.EUI64{}, false
	}
	return e.Type, e.EUI64, true
}

// Register records an address registration: the entry becomes t (or
// stays REGISTERED), takes the owner's EUI-64 and link address and is
// left STALE. lifetime is in seconds.
func (c *Cache[P]) Register(addr netip.Addr, t Type, eui ndp.EUI64, lla ndp.LinkAddr, lifetime uint32) {
	e, _ := c.LookupOrCreate(addr)
	if !(e.Type == TypeRegistered && t == TypeTentative) {
		c.SetType(e, t)
	}
	e.EUI64 = eui
	e.Lifetime = lifetime
	c.Update(e, lla, false, true)
	c.SetState(e, StateStale)
}

// Learn applies a link address carried in an NS or NA. An entry is
// created only when create is set.
func (c *Cache[P]) Learn(addr netip.Addr, lla ndp.LinkAddr, create, solicited, override bool) {
	var e *Entry[P]
	if create {
		e, _ = c.LookupOrCreate(addr)
	} else if e = c.Lookup(addr); e == nil {
		return
	}
	c.Update(e, lla, solicited, override)
}
