package ipv6

import "fmt"

// DropReason says why a packet left the pipeline without being delivered
// or transmitted.
type DropReason uint8

const (
	DropMalformed DropReason = iota
	DropTruncated
	DropBadAddress // RFC 4291 address rules
	DropNotForUs
	DropHopLimit
	DropNoRoute
	DropScope
	DropTooBig
	DropOption
	DropHeaderChain
	DropChecksum
	DropNoListener
	DropECN
	DropTunnelLoop
	DropHook
	DropResolution
	DropQueueOverflow
	DropFragment
	DropLink
	DropNoInterface
	numDropReasons
)

var dropNames = [numDropReasons]string{
	DropMalformed:     "malformed",
	DropTruncated:     "truncated",
	DropBadAddress:    "bad_address",
	DropNotForUs:      "not_for_us",
	DropHopLimit:      "hop_limit",
	DropNoRoute:       "no_route",
	DropScope:         "scope",
	DropTooBig:        "too_big",
	DropOption:        "option",
	DropHeaderChain:   "header_chain",
	DropChecksum:      "checksum",
	DropNoListener:    "no_listener",
	DropECN:           "ecn",
	DropTunnelLoop:    "tunnel_loop",
	DropHook:          "hook",
	DropResolution:    "resolution",
	DropQueueOverflow: "queue_overflow",
	DropFragment:      "fragment",
	DropLink:          "link",
	DropNoInterface:   "no_interface",
}

func (r DropReason) String() string {
	if r < numDropReasons {
		return dropNames[r]
	}
	return fmt.Sprintf("drop(%d)", uint8(r))
}

// DropReasons lists every reason, for exporting counters.
func DropReasons() []DropReason {
	out := make([]DropReason, numDropReasons)
	for i := range out {
		out[i] = DropReason(i)
	}
	return out
}

// Stats are the core's packet counters.
type Stats struct {
	Received  uint64
	Sent      uint64
	Forwarded uint64
	Delivered uint64
	Looped    uint64
	Drops     [numDropReasons]uint64

	DestUnreachSent  uint64
	PacketTooBigSent uint64
	TimeExceededSent uint64
	ParamProblemSent uint64
	ICMPSuppressed   uint64
	ICMPRateLimited  uint64

	FragmentsSent     uint64
	AtomicFragments   uint64
	Reassembled       uint64
	ReassemblyTimeout uint64

	ResolutionQueued   uint64
	ResolutionEvicted  uint64
	ResolutionFailures uint64
}

// Dropped returns the total number of drops.
func (s *Stats) Dropped() uint64 {
	var n uint64
	for _, d := range s.Drops {
		n += d
	}
	return n
}
