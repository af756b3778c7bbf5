// Package radv schedules Router Advertisement transmissions. It decides
// when an RA goes out for each (interface, border router) pair; the RA
// content is produced by an Advertiser.
package radv

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"

	"github.com/psaab/lowpand/pkg/deltaq"
	"github.com/psaab/lowpand/pkg/ndp"
)

// Timing parameters, in ticks of 100ms (RFC 4861 section 6.2.1 and 10).
type Config struct {
	MinRtrAdvInterval           uint32
	MaxRtrAdvInterval           uint32
	MaxInitialRtrAdvInterval    uint32
	MaxInitialRtrAdvertisements uint8
	MaxRADelayTime              uint32
	MinDelayBetweenRAs          uint32
}

// DefaultConfig returns the RFC 4861 defaults.
func DefaultConfig() Config {
	return Config{
		MinRtrAdvInterval:           2000,
		MaxRtrAdvInterval:           6000,
		MaxInitialRtrAdvInterval:    160,
		MaxInitialRtrAdvertisements: 3,
		MaxRADelayTime:              5,
		MinDelayBetweenRAs:          30,
	}
}

// Advertiser builds and transmits one RA. br is the border router the RA
// speaks for, or the unspecified address when not running multihop.
// SendRA reports whether an RA went out.
type Advertiser interface {
	SendRA(ifID int, dst, br netip.Addr) bool
}

// AdvertiserFunc adapts a function to Advertiser.
type AdvertiserFunc func(ifID int, dst, br netip.Addr) bool

func (f AdvertiserFunc) SendRA(ifID int, dst, br netip.Addr) bool { return f(ifID, dst, br) }

// Descriptor is one pending RA transmission.
type Descriptor struct {
	IfID        int
	Dest        netip.Addr
	BR          netip.Addr
	RSTriggered bool
}

type brKey struct {
	ifID int
	br   netip.Addr
}

type brState struct {
	lastSend     uint64
	sent         bool
	initialCount uint8
}

// Stats counts scheduler activity.
type Stats struct {
	Sent     uint64
	Deferred uint64
}

// Scheduler owns the process-wide RA queue. It is not safe for concurrent
// use; all calls must come from the stack's event loop.
type Scheduler struct {
	q     deltaq.Queue[Descriptor]
	cfg   map[int]Config
	state map[brKey]*brState
	now   uint64
	rng   *rand.Rand
	adv   Advertiser
	stats Stats
}

// New returns a scheduler that hands due RAs to adv. rng may be nil.
func New(adv Advertiser, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{
		cfg:   make(map[int]Config),
		state: make(map[brKey]*brState),
		rng:   rng,
		adv:   adv,
	}
}

// Init resets the interface to default timing and forgets every previous
// transmission on it so the first RA is not rate limited.
func (s *Scheduler) Init(ifID int) {
	s.cfg[ifID] = DefaultConfig()
	for k := range s.state {
		if k.ifID == ifID {
			delete(s.state, k)
		}
	}
}

// SetConfig overrides the timing of one interface.
func (s *Scheduler) SetConfig(ifID int, cfg Config) {
	s.cfg[ifID] = cfg
}

// Config returns the timing in effect for ifID.
func (s *Scheduler) Config(ifID int) Config {
	if c, ok := s.cfg[ifID]; ok {
		return c
	}
	return DefaultConfig()
}

// Now returns the scheduler's tick clock. While an Advertiser runs it is
// the due time of the RA being sent.
func (s *Scheduler) Now() uint64 { return s.now }

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// Len returns the number of queued descriptors.
func (s *Scheduler) Len() int { return s.q.Len() }

// Pending returns the queued descriptors with their absolute fire tick.
func (s *Scheduler) Pending() []Pending {
	var out []Pending
	s.q.Each(func(e *deltaq.Entry[Descriptor], due uint32) bool {
		out = append(out, Pending{Descriptor: e.Value, At: s.now + uint64(due)})
		return true
	})
	return out
}

// Pending pairs a descriptor with its fire time.
type Pending struct {
	Descriptor
	At uint64
}

func (s *Scheduler) brState(ifID int, br netip.Addr) *brState {
	k := brKey{ifID, br}
	st, ok := s.state[k]
	if !ok {
		st = &brState{}
		s.state[k] = st
	}
	return st
}

// floor returns how long a multicast RA for (ifID, br) must still wait to
// honour MinDelayBetweenRAs, measured at tick now.
func (s *Scheduler) floor(ifID int, br netip.Addr, now uint64) uint32 {
	st, ok := s.state[brKey{ifID, br}]
	if !ok || !st.sent {
		return 0
	}
	min := uint64(s.Config(ifID).MinDelayBetweenRAs)
	since := now - st.lastSend
	if since >= min {
		return 0
	}
	return uint32(min - since)
}

// randRange returns a value in [lo, hi). It returns lo when the range is
// empty.
func (s *Scheduler) randRange(lo, hi uint32) uint32 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Uint32N(hi-lo)
}

// interval picks the next periodic delay, capped to the initial interval
// while the initial advertisement phase lasts.
func (s *Scheduler) interval(cfg Config, st *brState) uint32 {
	d := s.randRange(cfg.MinRtrAdvInterval, cfg.MaxRtrAdvInterval)
	if st.initialCount > 0 && d > cfg.MaxInitialRtrAdvInterval {
		d = cfg.MaxInitialRtrAdvInterval
	}
	if d == 0 {
		d = 1
	}
	return d
}

func (s *Scheduler) find(ifID int, dst, br netip.Addr) *deltaq.Entry[Descriptor] {
	return s.q.Find(func(d Descriptor) bool {
		return d.IfID == ifID && d.Dest == dst && d.BR == br
	})
}

// TriggerFromRS schedules a response to a Router Solicitation. One
// response is kept per (interface, destination, border router); a pending
// periodic RA is pulled forward instead of adding a second one.
func (s *Scheduler) TriggerFromRS(ifID int, dst, br netip.Addr) {
	cfg := s.Config(ifID)
	var delay uint32
	if dst.IsMulticast() {
		delay = s.randRange(0, cfg.MaxRADelayTime) + s.floor(ifID, br, s.now)
	} else {
		delay = 1
	}

	if e := s.find(ifID, dst, br); e != nil {
		if e.Value.RSTriggered {
			return
		}
		if due, _ := s.q.Due(e); delay <= due {
			e.Value.RSTriggered = true
			s.q.Reschedule(e, delay)
		}
		return
	}

	s.q.Push(Descriptor{IfID: ifID, Dest: dst, BR: br, RSTriggered: true}, delay)
	slog.Debug("radv: rs response scheduled", "interface", ifID, "dst", dst, "br", br, "delay", delay)
}

// Restart (re)starts the periodic multicast train for a border router,
// entering the initial advertisement phase.
func (s *Scheduler) Restart(ifID int, br netip.Addr) {
	cfg := s.Config(ifID)
	s.q.RemoveFunc(func(d Descriptor) bool {
		return d.IfID == ifID && d.BR == br && d.Dest.IsMulticast() && !d.RSTriggered
	})
	st := s.brState(ifID, br)
	st.initialCount = cfg.MaxInitialRtrAdvertisements

	var delay uint32
	if st.initialCount > 0 {
		delay = s.randRange(1, cfg.MaxInitialRtrAdvInterval+1)
	} else {
		delay = s.randRange(cfg.MinRtrAdvInterval, cfg.MaxRtrAdvInterval)
	}
	delay += s.floor(ifID, br, s.now)

	s.q.Push(Descriptor{IfID: ifID, Dest: ndp.AllNodes, BR: br}, delay)
	slog.Debug("radv: advertisements restarted", "interface", ifID, "br", br, "delay", delay)
}

// Stop removes every queued RA for ifID and br. An invalid br matches all
// border routers on the interface.
func (s *Scheduler) Stop(ifID int, br netip.Addr) {
	n := s.q.RemoveFunc(func(d Descriptor) bool {
		return d.IfID == ifID && (!br.IsValid() || d.BR == br)
	})
	if n > 0 {
		slog.Debug("radv: advertisements stopped", "interface", ifID, "br", br, "removed", n)
	}
}

// Clear empties the queue, for when advertising is disabled globally.
func (s *Scheduler) Clear() {
	s.q.RemoveFunc(func(Descriptor) bool { return true })
}

// Tick advances the scheduler clock, transmitting every RA that falls due.
// Multicast entries are requeued with a fresh interval; unicast entries
// are done after one transmission.
func (s *Scheduler) Tick(ticks uint32) {
	base := s.now
	s.q.Advance(ticks, func(e *deltaq.Entry[Descriptor], at uint32) {
		s.fire(e.Value, base+uint64(at))
	})
	s.now = base + uint64(ticks)
}

func (s *Scheduler) fire(d Descriptor, now uint64) {
	s.now = now
	cfg := s.Config(d.IfID)
	mcast := d.Dest.IsMulticast()

	if mcast {
		if wait := s.floor(d.IfID, d.BR, now); wait > 0 {
			s.stats.Deferred++
			s.q.Push(d, wait)
			return
		}
	}

	sent := s.adv.SendRA(d.IfID, d.Dest, d.BR)
	if sent {
		s.stats.Sent++
	}

	if !mcast {
		return
	}
	// A train with nothing to say keeps its cadence but does not count
	// towards the rate limit or the initial phase.
	st := s.brState(d.IfID, d.BR)
	if sent {
		st.lastSend = now
		st.sent = true
	}

	// An RS response is followed by the periodic train only if none is
	// already running.
	if d.RSTriggered {
		d.RSTriggered = false
		if s.find(d.IfID, d.Dest, d.BR) != nil {
			return
		}
	}
	if sent && st.initialCount > 0 {
		st.initialCount--
	}
	next := s.interval(cfg, st)
	if next < cfg.MinDelayBetweenRAs {
		next = cfg.MinDelayBetweenRAs
	}
	s.q.Push(d, next)
}
