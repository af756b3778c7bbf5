package ipv6

import (
	"fmt"
	"net/netip"

	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/rib"
)

// Direction is the way a buffer travels through the pipeline.
type Direction uint8

const (
	Down Direction = iota // towards the link
	Up                    // towards the application
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Stage is the pipeline stage a buffer is headed for.
type Stage uint8

const (
	StageMAC Stage = iota
	StageICMP
	StageUDP
	StageTCP
	StageIPv6    // down only: build the IPv6 header
	StageForward // forwarding decision
	StageTxRx    // down: fragmentation and resolution; up: tunnel exit
	StageApp     // up only
)

func (s Stage) String() string {
	switch s {
	case StageMAC:
		return "MAC"
	case StageICMP:
		return "ICMP"
	case StageUDP:
		return "UDP"
	case StageTCP:
		return "TCP"
	case StageIPv6:
		return "IPV6"
	case StageForward:
		return "IPV6_FWD"
	case StageTxRx:
		return "IPV6_TXRX"
	case StageApp:
		return "APP"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Flags qualify a buffer's handling.
type Flags uint16

const (
	// FlagLoopback marks a packet looped back from our own down path.
	FlagLoopback Flags = 1 << iota
	// FlagLinkBroadcast marks a packet received in, or sent as, a link
	// layer broadcast or multicast frame.
	FlagLinkBroadcast
	// FlagForwarded marks a packet we are routing for someone else.
	FlagForwarded
	// FlagTunnelled marks a packet that has been encapsulated once.
	FlagTunnelled
	// FlagUseMinMTU sends at the IPv6 minimum MTU whatever the path MTU.
	FlagUseMinMTU
	// FlagDontFragment refuses fragmentation of an oversize packet.
	FlagDontFragment
	// FlagBypassSecurity marks link-local control traffic.
	FlagBypassSecurity
	// FlagSourceRouted marks a packet following a source route.
	FlagSourceRouted
	// FlagChecksum asks the IPv6 stage to fill in the upper-layer
	// checksum once the source address is known.
	FlagChecksum
	// FlagLinkDst marks LinkDst as already resolved.
	FlagLinkDst
	// FlagFragmented marks a packet that already carries a Fragment header.
	FlagFragmented
)

// RouteInfo is the outcome of a routing decision.
type RouteInfo struct {
	IfID    int
	NextHop netip.Addr
	PMTU    uint32
	Source  rib.Source
	// Forced routes were chosen by the sender and are not recomputed.
	Forced  bool
	version uint64
}

// Buffer is a packet in flight through the pipeline, together with the
// metadata each stage hands the next.
type Buffer struct {
	Dir   Direction
	Stage Stage
	// IfID is the arrival interface going up, and the zone or forced
	// interface going down (0 for none).
	IfID int
	// Data holds the upper-layer payload on the down path until
	// StageIPv6 builds the header, and the whole packet after that.
	Data []byte
	// Offset is where the upper-layer payload starts within Data on the
	// up path.
	Offset int
	// Proto is the upper-layer protocol.
	Proto        uint8
	Src          netip.Addr
	Dst          netip.Addr
	HopLimit     uint8
	TrafficClass uint8
	Flags        Flags
	// NextHop forces the first hop, for example after a Redirect.
	NextHop netip.Addr
	Route   *RouteInfo
	LinkSrc ndp.LinkAddr
	// LinkDst is the link-layer destination; invalid means broadcast.
	LinkDst ndp.LinkAddr
	// Done, if set, is called once when the buffer leaves the pipeline:
	// with nil after transmission or delivery, otherwise with the reason.
	Done func(error)
}

// Header returns the fixed IPv6 header view. It is only valid once the
// buffer carries a whole packet.
func (b *Buffer) Header() Header { return Header(b.Data[:HeaderLen]) }

// Payload returns the upper-layer payload on the up path.
func (b *Buffer) Payload() []byte { return b.Data[b.Offset:] }

// Has reports whether every flag in f is set.
func (b *Buffer) Has(f Flags) bool { return b.Flags&f == f }

// Clone copies b and its packet bytes. The copy has no Done callback.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.Data = append([]byte(nil), b.Data...)
	if b.Route != nil {
		r := *b.Route
		c.Route = &r
	}
	c.Done = nil
	return &c
}

func (b *Buffer) finish(err error) {
	if b.Done != nil {
		done := b.Done
		b.Done = nil
		done(err)
	}
}

// NewPacket returns a down buffer entering at stage with payload for the
// upper-layer protocol proto.
func NewPacket(stage Stage, src, dst netip.Addr, proto uint8, payload []byte) *Buffer {
	return &Buffer{
		Dir:   Down,
		Stage: stage,
		Src:   src,
		Dst:   dst,
		Proto: proto,
		Data:  payload,
	}
}
