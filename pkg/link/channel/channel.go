// Package channel provides in-memory link endpoints joined by a shared
// broadcast medium, for tests and simulations of multihop networks.
package channel

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/ndp"
)

var ErrDown = errors.New("channel: endpoint is down")

// Packet is one frame on the medium.
type Packet struct {
	Data      []byte
	Src, Dst  ndp.LinkAddr
	Broadcast bool
}

// Hub is a shared medium. A frame sent by one endpoint reaches every other
// endpoint that hears the sender and is either addressed or listening to
// broadcasts.
type Hub struct {
	mu  sync.Mutex
	eps []*Endpoint
	// cut holds one-way links that do not carry frames, keyed sender
	// then receiver.
	cut map[[2]ndp.LinkAddr]bool
}

// NewHub returns an empty medium.
func NewHub() *Hub {
	return &Hub{cut: make(map[[2]ndp.LinkAddr]bool)}
}

// Endpoint attaches a new endpoint with link address addr. size is the
// depth of its receive queue.
func (h *Hub) Endpoint(addr ndp.LinkAddr, size int) *Endpoint {
	e := &Endpoint{
		hub:     h,
		addr:    addr,
		C:       make(chan Packet, size),
		quality: make(map[ndp.LinkAddr]uint8),
	}
	h.mu.Lock()
	h.eps = append(h.eps, e)
	h.mu.Unlock()
	return e
}

// Cut stops frames from a reaching b. Cut(a, b, false) restores them.
func (h *Hub) Cut(a, b ndp.LinkAddr, cut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cut {
		h.cut[[2]ndp.LinkAddr{a, b}] = true
	} else {
		delete(h.cut, [2]ndp.LinkAddr{a, b})
	}
}

func (h *Hub) send(from *Endpoint, p Packet) {
	h.mu.Lock()
	eps := slices.Clone(h.eps)
	h.mu.Unlock()
	for _, e := range eps {
		if e == from || e.down.Load() {
			continue
		}
		h.mu.Lock()
		cut := h.cut[[2]ndp.LinkAddr{from.addr, e.addr}]
		h.mu.Unlock()
		if cut || (!p.Broadcast && p.Dst != e.addr) {
			continue
		}
		q := p
		q.Data = slices.Clone(p.Data)
		select {
		case e.C <- q:
		default:
			e.dropped.Add(1)
		}
	}
}

// Endpoint is one interface on a Hub. It implements ipv6.Link.
type Endpoint struct {
	hub  *Hub
	addr ndp.LinkAddr
	// C holds received frames.
	C chan Packet

	mu      sync.Mutex
	quality map[ndp.LinkAddr]uint8
	down    atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// LinkAddr returns the endpoint's link address.
func (e *Endpoint) LinkAddr() ndp.LinkAddr { return e.addr }

// Transmit puts b on the medium.
func (e *Endpoint) Transmit(b *ipv6.Buffer) error {
	if e.down.Load() {
		return ErrDown
	}
	e.sent.Add(1)
	e.hub.send(e, Packet{
		Data:      b.Data,
		Src:       e.addr,
		Dst:       b.LinkDst,
		Broadcast: !b.LinkDst.IsValid(),
	})
	return nil
}

// Run hands received frames to rx until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, rx func(data []byte, src, dst ndp.LinkAddr, broadcast bool)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-e.C:
			rx(p.Data, p.Src, p.Dst, p.Broadcast)
		}
	}
}

// Read returns the next received frame without blocking.
func (e *Endpoint) Read() (Packet, bool) {
	select {
	case p := <-e.C:
		return p, true
	default:
		return Packet{}, false
	}
}

// Drain discards every queued frame and returns how many there were.
func (e *Endpoint) Drain() int {
	n := 0
	for {
		if _, ok := e.Read(); !ok {
			return n
		}
		n++
	}
}

// SetDown takes the endpoint off the medium or puts it back.
func (e *Endpoint) SetDown(down bool) { e.down.Store(down) }

// SetQuality sets the link quality reported for frames from peer.
func (e *Endpoint) SetQuality(peer ndp.LinkAddr, q uint8) {
	e.mu.Lock()
	e.quality[peer] = q
	e.mu.Unlock()
}

// LinkQuality reports how well src is heard; unrated peers get 0.
func (e *Endpoint) LinkQuality(src ndp.LinkAddr) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality[src]
}

// Stats returns the number of frames sent and of frames dropped on a full
// receive queue.
func (e *Endpoint) Stats() (sent, dropped uint64) {
	return e.sent.Load(), e.dropped.Load()
}
