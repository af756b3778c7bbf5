package ipv6

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"slices"
)

type fragKey struct {
	src, dst netip.Addr
	id       uint32
}

type fragment struct {
	off  int
	data []byte
}

// partial is a packet being reassembled.
type partial struct {
	// first is the buffer of the offset-zero fragment; its headers are
	// reused for the whole packet.
	first  *Buffer
	uoff   int
	nhOff  int
	nh     uint8
	frags  []fragment
	size   int
	total  int // -1 until the last fragment arrived
	age    uint32
	serial uint64
}

// reassembler holds partial packets until they complete or time out.
type reassembler struct {
	limit   int
	timeout uint32
	pending map[fragKey]*partial
	serial  uint64
}

func newReassembler(limit int, timeout uint32) *reassembler {
	if limit < 1 {
		limit = 1
	}
	return &reassembler{limit: limit, timeout: timeout, pending: make(map[fragKey]*partial)}
}

// add stores one fragment. It returns the reassembled packet's partial
// state once complete, or ok false when the whole packet must be dropped.
func (r *reassembler) add(k fragKey, off int, more bool, data []byte) (*partial, bool) {
	p, exists := r.pending[k]
	if !exists {
		if len(r.pending) >= r.limit {
			r.evictOldest()
		}
		r.serial++
		p = &partial{total: -1, age: r.timeout, serial: r.serial}
		r.pending[k] = p
	}
	end := off + len(data)
	if (p.total >= 0 && (end > p.total || (!more && end != p.total))) || (!more && end < p.size) {
		delete(r.pending, k)
		return nil, false
	}
	for _, f := range p.frags {
		if f.off == off && len(f.data) == len(data) {
			// Duplicate.
			return p, true
		}
		// RFC 5722: overlapping fragments discard the whole packet.
		if off < f.off+len(f.data) && f.off < end {
			delete(r.pending, k)
			return nil, false
		}
	}
	p.frags = append(p.frags, fragment{off: off, data: slices.Clone(data)})
	slices.SortFunc(p.frags, func(a, b fragment) int { return a.off - b.off })
	p.size += len(data)
	if !more {
		p.total = end
	}
	return p, true
}

func (p *partial) complete() bool {
	return p.first != nil && p.total >= 0 && p.size == p.total
}

func (r *reassembler) evictOldest() {
	var oldest fragKey
	var serial uint64
	for k, p := range r.pending {
		if serial == 0 || p.serial < serial {
			oldest, serial = k, p.serial
		}
	}
	delete(r.pending, oldest)
}

// tick ages partial packets and returns the first fragments of those
// that timed out.
func (r *reassembler) tick(seconds uint32) []*Buffer {
	var out []*Buffer
	for k, p := range r.pending {
		if p.age > seconds {
			p.age -= seconds
			continue
		}
		delete(r.pending, k)
		if p.first != nil {
			out = append(out, p.first)
		}
	}
	return out
}

// reassemble handles a non-atomic fragment whose Fragment header is at
// off. When the last piece arrives the rebuilt packet continues through
// the extension header walk.
func (c *Core) reassemble(b *Buffer, off, nhOff int) *Buffer {
	fh := b.Data[off : off+fragHeaderLen]
	fo := binary.BigEndian.Uint16(fh[2:])
	fragOff := int(fo &^ 7)
	more := fo&fragMore != 0
	payload := b.Data[off+fragHeaderLen:]
	if more && len(payload)%8 != 0 {
		return c.icmpError(b, DropFragment, icmpParamProblem, codeErroneousField, offPayloadLen)
	}
	if fragOff+len(payload) > MaxPayload {
		return c.icmpError(b, DropFragment, icmpParamProblem, codeErroneousField, uint32(off+2))
	}

	k := fragKey{src: b.Src, dst: b.Dst, id: binary.BigEndian.Uint32(fh[4:])}
	p, ok := c.reasm.add(k, fragOff, more, payload)
	if !ok {
		slog.Debug("ipv6: fragments discarded", "src", b.Src, "dst", b.Dst, "id", k.id)
		c.drop(b, DropFragment)
		return nil
	}
	if fragOff == 0 && p.first == nil {
		p.first, p.uoff, p.nhOff, p.nh = b, off, nhOff, fh[0]
	} else {
		b.finish(nil)
	}
	if !p.complete() {
		return nil
	}
	delete(c.reasm.pending, k)

	first := p.first
	pkt := make([]byte, p.uoff, p.uoff+p.total)
	copy(pkt, first.Data[:p.uoff])
	for _, f := range p.frags {
		pkt = append(pkt, f.data...)
	}
	pkt[p.nhOff] = p.nh
	Header(pkt).SetPayloadLength(uint16(len(pkt) - HeaderLen))
	first.Data = pkt
	c.stats.Reassembled++
	return c.walkHeaders(first, p.nh, p.uoff, p.nhOff)
}
