// Package whiteboard is the border router's registry of which EUI-64 owns
// each registered address.
package whiteboard

import (
	"log/slog"
	"net/netip"
	"slices"

	"github.com/psaab/lowpand/pkg/ndp"
)

// Entry is one registration.
type Entry struct {
	Addr     netip.Addr
	EUI64    ndp.EUI64
	IfID     int
	Lifetime uint32 // seconds
}

// Board maps addresses to their owners. It is not safe for concurrent use.
type Board struct {
	entries map[netip.Addr]*Entry
	limit   int
}

// New returns a board holding at most limit entries; zero means no limit.
func New(limit int) *Board {
	return &Board{entries: make(map[netip.Addr]*Entry), limit: limit}
}

// Update registers addr for eui on ifID. It returns ndp.StatusDuplicate,
// without changing anything, when another EUI-64 holds the address, and
// ndp.StatusFull when the board is full. A zero lifetime removes the
// owner's registration.
func (b *Board) Update(addr netip.Addr, eui ndp.EUI64, ifID int, lifetime uint32) uint8 {
	e, ok := b.entries[addr]
	if ok && e.EUI64 != eui {
		slog.Debug("whiteboard: duplicate", "addr", addr, "owner", e.EUI64, "eui64", eui)
		return ndp.StatusDuplicate
	}
	if lifetime == 0 {
		if ok {
			delete(b.entries, addr)
		}
		return ndp.StatusSuccess
	}
	if !ok {
		if b.limit > 0 && len(b.entries) >= b.limit {
			return ndp.StatusFull
		}
		e = &Entry{Addr: addr, EUI64: eui}
		b.entries[addr] = e
	}
	e.IfID = ifID
	e.Lifetime = lifetime
	return ndp.StatusSuccess
}

// Lookup returns the registration for addr.
func (b *Board) Lookup(addr netip.Addr) (Entry, bool) {
	e, ok := b.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove deletes addr.
func (b *Board) Remove(addr netip.Addr) {
	delete(b.entries, addr)
}

// RegisterInterfaceAddress records one of the node's own addresses so
// that nobody else can register it.
func (b *Board) RegisterInterfaceAddress(addr netip.Addr, eui ndp.EUI64, ifID int) {
	b.entries[addr] = &Entry{Addr: addr, EUI64: eui, IfID: ifID, Lifetime: ^uint32(0)}
}

// UnregisterAll drops every entry on ifID.
func (b *Board) UnregisterAll(ifID int) {
	for a, e := range b.entries {
		if e.IfID == ifID {
			delete(b.entries, a)
		}
	}
}

// Tick ages lifetimes by seconds and drops expired registrations.
func (b *Board) Tick(seconds uint32) {
	for a, e := range b.entries {
		if e.Lifetime == ^uint32(0) {
			continue
		}
		if e.Lifetime > seconds {
			e.Lifetime -= seconds
			continue
		}
		delete(b.entries, a)
	}
}

// Len returns the number of entries.
func (b *Board) Len() int { return len(b.entries) }

// Entries returns a snapshot ordered by address.
func (b *Board) Entries() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(x, y Entry) int { return x.Addr.Compare(y.Addr) })
	return out
}
