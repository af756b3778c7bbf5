package ipv6

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	fragHeaderLen = 8
	fragMore      = 0x0001
	fragReserved  = 0x0006
)

var errFragment = errors.New("ipv6: cannot fragment")

// unfragmentable returns the length of the headers repeated in every
// fragment, the offset of the next header field that leads past them and
// the next header value found there (RFC 8200 section 4.5).
func unfragmentable(pkt []byte) (off, nhOff int, nh uint8, err error) {
	nh, off, nhOff = Header(pkt).NextHeader(), HeaderLen, offNextHeader
	for {
		switch nh {
		case ProtoHopByHop, ProtoRouting:
		case ProtoDestOpts:
			// Destination options only stay with the unfragmentable part
			// when a routing header follows.
			if off >= len(pkt) || pkt[off] != ProtoRouting {
				return off, nhOff, nh, nil
			}
		default:
			return off, nhOff, nh, nil
		}
		n, ok := extLen(pkt, off)
		if !ok {
			return 0, 0, 0, fmt.Errorf("%w: truncated extension header", errFragment)
		}
		nh, nhOff, off = pkt[off], off, off+n
	}
}

func (c *Core) nextFragID() uint32 {
	c.fragID++
	return c.fragID
}

// fragment splits the packet in b into fragments of at most mtu bytes.
// The last fragment carries b's completion callback.
func (c *Core) fragment(b *Buffer, mtu uint32) ([]*Buffer, error) {
	pkt := b.Data
	uoff, nhOff, nh, err := unfragmentable(pkt)
	if err != nil {
		return nil, err
	}
	chunk := (int(mtu) - uoff - fragHeaderLen) &^ 7
	if chunk < 8 {
		return nil, fmt.Errorf("%w: %d bytes of headers for mtu %d", errFragment, uoff, mtu)
	}
	id := c.nextFragID()
	rest := pkt[uoff:]
	var out []*Buffer
	for off := 0; off < len(rest); off += chunk {
		end := min(off+chunk, len(rest))
		f := make([]byte, uoff+fragHeaderLen+end-off)
		copy(f, pkt[:uoff])
		f[nhOff] = ProtoFragment
		fh := f[uoff:]
		fh[0] = nh
		fo := uint16(off)
		if end < len(rest) {
			fo |= fragMore
		}
		binary.BigEndian.PutUint16(fh[2:], fo)
		binary.BigEndian.PutUint32(fh[4:], id)
		copy(fh[fragHeaderLen:], rest[off:end])
		Header(f).SetPayloadLength(uint16(len(f) - HeaderLen))

		fb := &Buffer{
			Dir:   Down,
			Stage: StageTxRx,
			IfID:  b.IfID,
			Data:  f,
			Proto: b.Proto,
			Src:   b.Src,
			Dst:   b.Dst,
			Flags: b.Flags | FlagFragmented,
			Route: b.Route,
		}
		out = append(out, fb)
	}
	out[len(out)-1].Done = b.Done
	c.stats.FragmentsSent += uint64(len(out))
	return out, nil
}

// atomicFragment inserts a Fragment header with offset zero and no more
// fragments, for paths whose MTU was reported below the IPv6 minimum.
func (c *Core) atomicFragment(b *Buffer) error {
	pkt := b.Data
	uoff, nhOff, nh, err := unfragmentable(pkt)
	if err != nil {
		return err
	}
	out := make([]byte, len(pkt)+fragHeaderLen)
	copy(out, pkt[:uoff])
	out[nhOff] = ProtoFragment
	fh := out[uoff:]
	fh[0] = nh
	binary.BigEndian.PutUint32(fh[4:], c.nextFragID())
	copy(out[uoff+fragHeaderLen:], pkt[uoff:])
	Header(out).SetPayloadLength(uint16(len(out) - HeaderLen))
	b.Data = out
	b.Flags |= FlagFragmented
	c.stats.AtomicFragments++
	return nil
}
