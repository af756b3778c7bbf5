package ipv6

// ECN is the two-bit Explicit Congestion Notification codepoint.
type ECN uint8

const (
	NotECT ECN = 0
	ECT1   ECN = 1
	ECT0   ECN = 2
	CE     ECN = 3
)

func (e ECN) String() string {
	switch e {
	case NotECT:
		return "Not-ECT"
	case ECT1:
		return "ECT(1)"
	case ECT0:
		return "ECT(0)"
	case CE:
		return "CE"
	default:
		return "invalid"
	}
}

// ecnDrop marks the combination that must be discarded.
const ecnDrop ECN = 0xff

// ecnExit is the RFC 6040 section 4.2 decapsulation table, indexed by
// [inner][outer]. A CE inner header under a Not-ECT outer one is the
// single combination that is dropped; a Not-ECT inner header stays
// Not-ECT whatever the outer marking.
var ecnExit = [4][4]ECN{
	NotECT: {NotECT, NotECT, NotECT, NotECT},
	ECT1:   {ECT1, ECT1, ECT1, CE},
	ECT0:   {ECT0, ECT1, ECT0, CE},
	CE:     {ecnDrop, CE, CE, CE},
}

// CombineECN returns the ECN codepoint of the inner packet after tunnel
// exit. ok is false when the packet must be dropped: only a Not-ECT outer
// header over a CE inner one.
func CombineECN(outer, inner ECN) (ECN, bool) {
	r := ecnExit[inner&0x03][outer&0x03]
	if r == ecnDrop {
		return 0, false
	}
	return r, true
}
