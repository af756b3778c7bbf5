// Package thread wraps a link so that multicast address resolution is
// answered by a lease lookup instead of a Neighbor Solicitation flood,
// as on Thread-style meshes where multicast is expensive.
package thread

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/ndp"
)

// Querier resolves an address to the link address of its owner.
type Querier interface {
	Query(ctx context.Context, addr netip.Addr) (ndp.LinkAddr, error)
}

type receiver interface {
	Run(ctx context.Context, rx func(data []byte, src, dst ndp.LinkAddr, broadcast bool)) error
}

// Link wraps an inner link and implements ipv6.NSTransmitter with q.
// Resolved addresses are reported through the callback given to New; it
// runs on the lookup goroutine.
type Link struct {
	inner    ipv6.Link
	q        Querier
	resolved func(addr netip.Addr, lla ndp.LinkAddr)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[netip.Addr]bool
	wg      sync.WaitGroup
}

// New wraps inner.
func New(inner ipv6.Link, q Querier, resolved func(addr netip.Addr, lla ndp.LinkAddr)) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		inner:    inner,
		q:        q,
		resolved: resolved,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[netip.Addr]bool),
	}
}

func (l *Link) Transmit(b *ipv6.Buffer) error { return l.inner.Transmit(b) }

func (l *Link) LinkAddr() ndp.LinkAddr { return l.inner.LinkAddr() }

// MapIPToLinkAddr defers to the inner link's static mapping, if any.
func (l *Link) MapIPToLinkAddr(addr netip.Addr) (ndp.LinkAddr, bool) {
	if m, ok := l.inner.(ipv6.LinkAddrMapper); ok {
		return m.MapIPToLinkAddr(addr)
	}
	return ndp.LinkAddr{}, false
}

// Run reads frames from the inner link until ctx is cancelled.
func (l *Link) Run(ctx context.Context, rx func(data []byte, src, dst ndp.LinkAddr, broadcast bool)) error {
	if r, ok := l.inner.(receiver); ok {
		return r.Run(ctx, rx)
	}
	<-ctx.Done()
	return nil
}

// TransmitNS starts a lookup for target in place of a multicast NS.
// Unicast probes of known neighbors go out as ordinary NS.
func (l *Link) TransmitNS(target, src netip.Addr, unicast bool, lla ndp.LinkAddr) bool {
	if unicast {
		return false
	}
	l.mu.Lock()
	if l.pending[target] {
		l.mu.Unlock()
		return true
	}
	l.pending[target] = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.pending, target)
			l.mu.Unlock()
		}()
		lla, err := l.q.Query(l.ctx, target)
		if err != nil {
			slog.Debug("thread: lookup failed", "target", target, "err", err)
			return
		}
		slog.Debug("thread: resolved", "target", target, "lla", lla)
		l.resolved(target, lla)
	}()
	return true
}

// Pending reports how many lookups are in flight.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close cancels outstanding lookups and waits for them.
func (l *Link) Close() error {
	l.cancel()
	l.wg.Wait()
	if c, ok := l.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
