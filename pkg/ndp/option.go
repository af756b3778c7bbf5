package ndp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Option type codes.
const (
	optSourceLLA   = 1
	optTargetLLA   = 2
	optPrefixInfo  = 3
	optMTU         = 5
	optRouteInfo   = 24
	optAddrReg     = 33
	optContext     = 34
	optBorderRoute = 35
)

// PIO flag bits.
const (
	PrefixOnLink     uint8 = 0x80
	PrefixAutonomous uint8 = 0x40
	PrefixRouterAddr uint8 = 0x20
)

// Option is a single ND option.
type Option interface {
	// Code returns the option type.
	Code() uint8
	marshal() ([]byte, error)
}

// Direction selects source or target link-layer address options.
type Direction uint8

const (
	Source Direction = optSourceLLA
	Target Direction = optTargetLLA
)

// LinkLayerAddress is a Source/Target Link-Layer Address Option. On parse
// Raw holds the option body including padding; the link layer decides how
// many bytes are address (see Trim).
type LinkLayerAddress struct {
	Direction Direction
	Raw       []byte
}

// NewLinkLayerAddress builds an option carrying addr.
func NewLinkLayerAddress(d Direction, addr LinkAddr) *LinkLayerAddress {
	return &LinkLayerAddress{Direction: d, Raw: addr.Bytes()}
}

func (o *LinkLayerAddress) Code() uint8 { return uint8(o.Direction) }

// Trim returns the first n bytes of the option body as an address.
func (o *LinkLayerAddress) Trim(n int) (LinkAddr, bool) {
	if n <= 0 || n > 8 || len(o.Raw) < n {
		return LinkAddr{}, false
	}
	return LinkAddrFrom(o.Raw[:n]), true
}

func (o *LinkLayerAddress) marshal() ([]byte, error) {
	if o.Direction != Source && o.Direction != Target {
		return nil, fmt.Errorf("ndp: invalid link-layer address direction %d", o.Direction)
	}
	if len(o.Raw) == 0 {
		return nil, fmt.Errorf("ndp: empty link-layer address")
	}
	b := newOption(uint8(o.Direction), 2+len(o.Raw))
	copy(b[2:], o.Raw)
	return b, nil
}

// PrefixInformation is a Prefix Information Option (RFC 4861 4.6.2).
type PrefixInformation struct {
	PrefixLength      uint8
	Flags             uint8
	ValidLifetime     uint32 // seconds
	PreferredLifetime uint32 // seconds
	Prefix            netip.Addr
}

func (o *PrefixInformation) Code() uint8 { return optPrefixInfo }

// Autonomous reports whether the A flag is set.
func (o *PrefixInformation) Autonomous() bool { return o.Flags&PrefixAutonomous != 0 }

// OnLink reports whether the L flag is set.
func (o *PrefixInformation) OnLink() bool { return o.Flags&PrefixOnLink != 0 }

// Net returns the advertised prefix, masked.
func (o *PrefixInformation) Net() netip.Prefix {
	return netip.PrefixFrom(o.Prefix, int(o.PrefixLength)).Masked()
}

func (o *PrefixInformation) marshal() ([]byte, error) {
	if o.PrefixLength > 128 {
		return nil, fmt.Errorf("ndp: prefix length %d out of range", o.PrefixLength)
	}
	b := newOption(optPrefixInfo, 32)
	b[2] = o.PrefixLength
	b[3] = o.Flags
	binary.BigEndian.PutUint32(b[4:8], o.ValidLifetime)
	binary.BigEndian.PutUint32(b[8:12], o.PreferredLifetime)
	putAddr(b[16:32], o.Prefix)
	return b, nil
}

// MTU is the MTU option.
type MTU struct {
	MTU uint32
}

func (o *MTU) Code() uint8 { return optMTU }

func (o *MTU) marshal() ([]byte, error) {
	b := newOption(optMTU, 8)
	binary.BigEndian.PutUint32(b[4:8], o.MTU)
	return b, nil
}

// RouteInformation is a Route Information Option (RFC 4191 2.3).
// Preference holds the raw flags byte (Prf in bits 3-4).
type RouteInformation struct {
	PrefixLength uint8
	Preference   uint8
	Lifetime     uint32 // seconds
	Prefix       netip.Addr
}

func (o *RouteInformation) Code() uint8 { return optRouteInfo }

// Net returns the route prefix, masked.
func (o *RouteInformation) Net() netip.Prefix {
	return netip.PrefixFrom(o.Prefix, int(o.PrefixLength)).Masked()
}

func (o *RouteInformation) marshal() ([]byte, error) {
	if o.PrefixLength > 128 {
		return nil, fmt.Errorf("ndp: prefix length %d out of range", o.PrefixLength)
	}
	plen := 0
	switch {
	case o.PrefixLength > 64:
		plen = 16
	case o.PrefixLength > 0:
		plen = 8
	}
	b := newOption(optRouteInfo, 8+plen)
	b[2] = o.PrefixLength
	b[3] = o.Preference & 0x18
	binary.BigEndian.PutUint32(b[4:8], o.Lifetime)
	a16 := o.Prefix.As16()
	copy(b[8:], a16[:plen])
	return b, nil
}

// AddressRegistration is the RFC 6775 Address Registration Option.
// Lifetime is in units of 60 seconds.
type AddressRegistration struct {
	Status   uint8
	Lifetime uint16
	EUI64    EUI64
}

func (o *AddressRegistration) Code() uint8 { return optAddrReg }

func (o *AddressRegistration) marshal() ([]byte, error) {
	b := newOption(optAddrReg, 16)
	b[2] = o.Status
	binary.BigEndian.PutUint16(b[6:8], o.Lifetime)
	copy(b[8:16], o.EUI64[:])
	return b, nil
}

// SixLoWPANContext is the RFC 6775 6LoWPAN Context Option. Lifetime is in
// units of 60 seconds.
type SixLoWPANContext struct {
	ContextLength uint8
	Compress      bool
	CID           uint8
	Lifetime      uint16
	Prefix        netip.Addr
}

func (o *SixLoWPANContext) Code() uint8 { return optContext }

// Net returns the context prefix, masked.
func (o *SixLoWPANContext) Net() netip.Prefix {
	return netip.PrefixFrom(o.Prefix, int(o.ContextLength)).Masked()
}

func (o *SixLoWPANContext) marshal() ([]byte, error) {
	if o.ContextLength > 128 || o.CID > 15 {
		return nil, fmt.Errorf("ndp: invalid context option cid=%d len=%d", o.CID, o.ContextLength)
	}
	plen := 8
	if o.ContextLength > 64 {
		plen = 16
	}
	b := newOption(optContext, 8+plen)
	b[2] = o.ContextLength
	b[3] = o.CID & 0x0f
	if o.Compress {
		b[3] |= 0x10
	}
	binary.BigEndian.PutUint16(b[6:8], o.Lifetime)
	a16 := o.Prefix.As16()
	copy(b[8:], a16[:plen])
	return b, nil
}

// AuthoritativeBorderRouter is the RFC 6775 ABRO. Version is carried as two
// 16-bit halves on the wire. Lifetime is in units of 60 seconds.
type AuthoritativeBorderRouter struct {
	Version  uint32
	Lifetime uint16
	Address  netip.Addr
}

func (o *AuthoritativeBorderRouter) Code() uint8 { return optBorderRoute }

func (o *AuthoritativeBorderRouter) marshal() ([]byte, error) {
	b := newOption(optBorderRoute, 24)
	binary.BigEndian.PutUint16(b[2:4], uint16(o.Version))
	binary.BigEndian.PutUint16(b[4:6], uint16(o.Version>>16))
	binary.BigEndian.PutUint16(b[6:8], o.Lifetime)
	putAddr(b[8:24], o.Address)
	return b, nil
}

// RawOption is an option this package does not interpret.
type RawOption struct {
	Type uint8
	Data []byte // body after type and length, including padding
}

func (o *RawOption) Code() uint8 { return o.Type }

func (o *RawOption) marshal() ([]byte, error) {
	b := newOption(o.Type, 2+len(o.Data))
	copy(b[2:], o.Data)
	return b, nil
}

// newOption allocates an option of at least n bytes rounded up to a
// multiple of 8, with type and length filled in.
func newOption(typ uint8, n int) []byte {
	n = (n + 7) &^ 7
	b := make([]byte, n)
	b[0] = typ
	b[1] = uint8(n / 8)
	return b
}

func marshalOptions(opts []Option) ([]byte, error) {
	var out []byte
	for _, o := range opts {
		b, err := o.marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// parseOptions decodes an option block. Options of unknown type are kept
// as RawOption; a zero length option invalidates the whole block
// (RFC 4861 4.6).
func parseOptions(b []byte) ([]Option, error) {
	var opts []Option
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrShort
		}
		n := int(b[1]) * 8
		if n == 0 {
			return nil, fmt.Errorf("%w: zero length option type %d", ErrBadOption, b[0])
		}
		if len(b) < n {
			return nil, ErrShort
		}
		body := b[:n]
		b = b[n:]

		var o Option
		switch body[0] {
		case optSourceLLA, optTargetLLA:
			raw := make([]byte, n-2)
			copy(raw, body[2:])
			o = &LinkLayerAddress{Direction: Direction(body[0]), Raw: raw}
		case optPrefixInfo:
			if n != 32 {
				return nil, fmt.Errorf("%w: prefix information length %d", ErrBadOption, n)
			}
			o = &PrefixInformation{
				PrefixLength:      body[2],
				Flags:             body[3],
				ValidLifetime:     binary.BigEndian.Uint32(body[4:8]),
				PreferredLifetime: binary.BigEndian.Uint32(body[8:12]),
				Prefix:            parseAddr(body[16:32]),
			}
		case optMTU:
			if n != 8 {
				return nil, fmt.Errorf("%w: mtu length %d", ErrBadOption, n)
			}
			o = &MTU{MTU: binary.BigEndian.Uint32(body[4:8])}
		case optRouteInfo:
			if n > 24 {
				return nil, fmt.Errorf("%w: route information length %d", ErrBadOption, n)
			}
			o = &RouteInformation{
				PrefixLength: body[2],
				Preference:   body[3] & 0x18,
				Lifetime:     binary.BigEndian.Uint32(body[4:8]),
				Prefix:       parseAddr(body[8:]),
			}
		case optAddrReg:
			if n != 16 {
				return nil, fmt.Errorf("%w: address registration length %d", ErrBadOption, n)
			}
			aro := &AddressRegistration{
				Status:   body[2],
				Lifetime: binary.BigEndian.Uint16(body[6:8]),
			}
			copy(aro.EUI64[:], body[8:16])
			o = aro
		case optContext:
			if n != 16 && n != 24 {
				return nil, fmt.Errorf("%w: context length %d", ErrBadOption, n)
			}
			o = &SixLoWPANContext{
				ContextLength: body[2],
				Compress:      body[3]&0x10 != 0,
				CID:           body[3] & 0x0f,
				Lifetime:      binary.BigEndian.Uint16(body[6:8]),
				Prefix:        parseAddr(body[8:]),
			}
		case optBorderRoute:
			if n != 24 {
				return nil, fmt.Errorf("%w: abro length %d", ErrBadOption, n)
			}
			o = &AuthoritativeBorderRouter{
				Version:  uint32(binary.BigEndian.Uint16(body[4:6]))<<16 | uint32(binary.BigEndian.Uint16(body[2:4])),
				Lifetime: binary.BigEndian.Uint16(body[6:8]),
				Address:  parseAddr(body[8:24]),
			}
		default:
			data := make([]byte, n-2)
			copy(data, body[2:])
			o = &RawOption{Type: body[0], Data: data}
		}
		opts = append(opts, o)
	}
	return opts, nil
}

// Find returns the first option in opts of type T.
func Find[T Option](opts []Option) (T, bool) {
	for _, o := range opts {
		if v, ok := o.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// FindAll returns every option in opts of type T.
func FindAll[T Option](opts []Option) []T {
	var out []T
	for _, o := range opts {
		if v, ok := o.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// SourceLinkAddr returns the Source Link-Layer Address option, if present.
func SourceLinkAddr(opts []Option) (*LinkLayerAddress, bool) {
	for _, o := range opts {
		if l, ok := o.(*LinkLayerAddress); ok && l.Direction == Source {
			return l, true
		}
	}
	return nil, false
}

// TargetLinkAddr returns the Target Link-Layer Address option, if present.
func TargetLinkAddr(opts []Option) (*LinkLayerAddress, bool) {
	for _, o := range opts {
		if l, ok := o.(*LinkLayerAddress); ok && l.Direction == Target {
			return l, true
		}
	}
	return nil, false
}
