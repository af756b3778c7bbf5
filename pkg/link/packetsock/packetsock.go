// Package packetsock carries IPv6 over a Linux AF_PACKET socket bound to
// one device.
package packetsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/psaab/lowpand/pkg/hostif"
	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/ndp"
)

const ethPIPv6 = 0x86dd

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Config selects the device and its fixed neighbors.
type Config struct {
	Device string
	// Static maps addresses to link addresses resolved without ND.
	Static map[netip.Addr]ndp.LinkAddr
}

// Endpoint is an AF_PACKET link. It implements ipv6.Link,
// ipv6.LinkAddrMapper and the stack's Receiver.
type Endpoint struct {
	name    string
	ifindex int
	hw      net.HardwareAddr
	mtu     int
	fd      int

	mu     sync.RWMutex
	static map[netip.Addr]ndp.LinkAddr

	sent     atomic.Uint64
	received atomic.Uint64
	sendErrs atomic.Uint64
	closed   atomic.Bool
}

// Open binds a datagram packet socket for IPv6 to cfg.Device.
func Open(cfg Config) (*Endpoint, error) {
	info, err := hostif.Lookup(cfg.Device)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, int(htons(ethPIPv6)))
	if err != nil {
		return nil, fmt.Errorf("packetsock: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(ethPIPv6),
		Ifindex:  info.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("packetsock: bind %s: %w", cfg.Device, err)
	}
	// A read timeout lets Run notice cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("packetsock: timeout: %w", err)
	}
	e := &Endpoint{
		name:    info.Name,
		ifindex: info.Index,
		hw:      info.HardwareAddr,
		mtu:     info.MTU,
		fd:      fd,
	}
	e.SetStatic(cfg.Static)
	slog.Info("packetsock: opened", "device", info.Name, "index", info.Index,
		"hwaddr", info.HardwareAddr, "mtu", info.MTU)
	return e, nil
}

// LinkAddr returns the device's hardware address.
func (e *Endpoint) LinkAddr() ndp.LinkAddr { return ndp.LinkAddrFrom(e.hw) }

// MTU returns the device MTU.
func (e *Endpoint) MTU() int { return e.mtu }

// SetStatic replaces the static neighbor table.
func (e *Endpoint) SetStatic(m map[netip.Addr]ndp.LinkAddr) {
	e.mu.Lock()
	e.static = m
	e.mu.Unlock()
}

// MapIPToLinkAddr resolves addr from the static table.
func (e *Endpoint) MapIPToLinkAddr(addr netip.Addr) (ndp.LinkAddr, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lla, ok := e.static[addr]
	return lla, ok
}

// Transmit sends b.Data to b.LinkDst, or to the Ethernet multicast group
// of b.Dst when no link destination is set.
func (e *Endpoint) Transmit(b *ipv6.Buffer) error {
	if e.closed.Load() {
		return net.ErrClosed
	}
	dst := destinationMAC(b.LinkDst, b.Dst)
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(ethPIPv6),
		Ifindex:  e.ifindex,
		Halen:    uint8(len(dst)),
	}
	copy(addr.Addr[:], dst)
	if err := unix.Sendto(e.fd, b.Data, 0, addr); err != nil {
		e.sendErrs.Add(1)
		return fmt.Errorf("packetsock: send on %s: %w", e.name, err)
	}
	e.sent.Add(1)
	return nil
}

// Run hands received frames to rx until ctx is cancelled or the socket is
// closed.
func (e *Endpoint) Run(ctx context.Context, rx func(data []byte, src, dst ndp.LinkAddr, broadcast bool)) error {
	buf := make([]byte, 65536)
	own := e.LinkAddr()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, from, err := unix.Recvfrom(e.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if e.closed.Load() {
				return nil
			}
			return fmt.Errorf("packetsock: receive on %s: %w", e.name, err)
		}
		ll, ok := from.(*unix.SockaddrLinklayer)
		if !ok {
			continue
		}
		broadcast, keep := classify(ll.Pkttype)
		if !keep {
			continue
		}
		e.received.Add(1)
		src := ndp.LinkAddrFrom(ll.Addr[:min(int(ll.Halen), len(ll.Addr))])
		rx(buf[:n], src, own, broadcast)
	}
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return unix.Close(e.fd)
}

// Stats returns frames sent, received and send errors.
func (e *Endpoint) Stats() (sent, received, errs uint64) {
	return e.sent.Load(), e.received.Load(), e.sendErrs.Load()
}

// classify maps a packet type to whether the frame was sent to a group,
// and whether it should be processed at all. Our own transmissions and
// frames for other hosts seen in promiscuous mode are skipped.
func classify(pkttype uint8) (broadcast, keep bool) {
	switch pkttype {
	case unix.PACKET_HOST:
		return false, true
	case unix.PACKET_BROADCAST, unix.PACKET_MULTICAST:
		return true, true
	}
	return false, false
}

// destinationMAC picks the Ethernet destination: the resolved link
// address, the RFC 2464 multicast mapping, or broadcast.
func destinationMAC(lla ndp.LinkAddr, dst netip.Addr) net.HardwareAddr {
	if lla.IsValid() {
		return lla.Bytes()
	}
	if dst.Is6() && dst.IsMulticast() {
		a := dst.As16()
		return net.HardwareAddr{0x33, 0x33, a[12], a[13], a[14], a[15]}
	}
	return broadcastMAC
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
