package ipv6

import (
	"encoding/binary"
)

// Option types with fixed meaning.
const (
	optPad1 = 0
	optPadN = 1
)

// extLen returns the length of the extension header at off, which uses
// the common next-header/length layout.
func extLen(pkt []byte, off int) (int, bool) {
	if off+2 > len(pkt) {
		return 0, false
	}
	n := (int(pkt[off+1]) + 1) * 8
	if off+n > len(pkt) {
		return 0, false
	}
	return n, true
}

// processOptions walks the TLV options of the Hop-by-Hop or Destination
// Options header at off. When it returns false the packet has been
// consumed and the returned buffer, if any, is the ICMPv6 error to send.
func (c *Core) processOptions(b *Buffer, off, n int) (*Buffer, bool) {
	pkt := b.Data
	end := off + n
	for i := off + 2; i < end; {
		typ := pkt[i]
		if typ == optPad1 {
			i++
			continue
		}
		if i+2 > end || i+2+int(pkt[i+1]) > end {
			c.drop(b, DropMalformed)
			return nil, false
		}
		val := pkt[i+2 : i+2+int(pkt[i+1])]
		switch {
		case typ == optPadN:
		case c.optHook != nil && c.optHook(b, typ, val):
		default:
			// RFC 8200 section 4.2: the two high-order bits say what to
			// do with an option we do not recognize.
			switch typ >> 6 {
			case 1:
				c.drop(b, DropOption)
				return nil, false
			case 2:
				return c.icmpError(b, DropOption, icmpParamProblem, codeUnrecognizedOption, uint32(i)), false
			case 3:
				if b.Dst.IsMulticast() {
					c.drop(b, DropOption)
					return nil, false
				}
				return c.icmpError(b, DropOption, icmpParamProblem, codeUnrecognizedOption, uint32(i)), false
			}
		}
		i += 2 + int(pkt[i+1])
	}
	return nil, true
}

// walkHeaders follows the extension header chain of a packet addressed
// to us, starting with next header nh at off. nhOff is where nh was read
// from, for Parameter Problem pointers.
func (c *Core) walkHeaders(b *Buffer, nh uint8, off, nhOff int) *Buffer {
	for {
		switch nh {
		case ProtoHopByHop:
			// Only valid straight after the fixed header.
			return c.icmpError(b, DropHeaderChain, icmpParamProblem, codeUnrecognizedNextHeader, uint32(nhOff))

		case ProtoDestOpts:
			n, ok := extLen(b.Data, off)
			if !ok {
				c.drop(b, DropTruncated)
				return nil
			}
			if next, ok := c.processOptions(b, off, n); !ok {
				return next
			}
			nh, nhOff, off = b.Data[off], off, off+n

		case ProtoRouting:
			n, ok := extLen(b.Data, off)
			if !ok || n < 8 {
				c.drop(b, DropTruncated)
				return nil
			}
			if segLeft := b.Data[off+3]; segLeft != 0 {
				// No routing header type is processed here, so any
				// header with segments left is refused.
				return c.icmpError(b, DropHeaderChain, icmpParamProblem, codeErroneousField, uint32(off+2))
			}
			nh, nhOff, off = b.Data[off], off, off+n

		case ProtoFragment:
			if off+fragHeaderLen > len(b.Data) {
				c.drop(b, DropTruncated)
				return nil
			}
			fo := binary.BigEndian.Uint16(b.Data[off+2:])
			if fo&^fragReserved == 0 {
				// Atomic fragment: offset zero, no more fragments.
				nh, nhOff, off = b.Data[off], off, off+fragHeaderLen
				continue
			}
			return c.reassemble(b, off, nhOff)

		case ProtoICMPv6:
			b.Proto, b.Offset, b.Stage = nh, off, StageICMP
			return b
		case ProtoUDP:
			b.Proto, b.Offset, b.Stage = nh, off, StageUDP
			return b
		case ProtoTCP:
			b.Proto, b.Offset, b.Stage = nh, off, StageTCP
			return b
		case ProtoIPv6:
			b.Proto, b.Offset, b.Stage = nh, off, StageTxRx
			return b
		case ProtoNoNext:
			c.drop(b, DropNoListener)
			return nil

		default:
			b.Proto, b.Offset, b.Stage = nh, off, StageApp
			if c.upper != nil && c.upper.Deliver(b) {
				c.stats.Delivered++
				b.finish(nil)
				return nil
			}
			return c.icmpError(b, DropHeaderChain, icmpParamProblem, codeUnrecognizedNextHeader, uint32(nhOff))
		}
	}
}
