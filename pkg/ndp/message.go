package ndp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// RA flag bits.
const (
	RAManaged uint8 = 0x80
	RAOther   uint8 = 0x40
)

// NA flag bits.
const (
	NARouter    uint8 = 0x80
	NASolicited uint8 = 0x40
	NAOverride  uint8 = 0x20
)

// Message is an ND message body.
type Message interface {
	// Type returns the ICMPv6 type of the message.
	Type() ipv6.ICMPType
	marshalBody() ([]byte, error)
}

// RouterSolicitation is an RS (RFC 4861 4.1).
type RouterSolicitation struct {
	Options []Option
}

func (m *RouterSolicitation) Type() ipv6.ICMPType { return TypeRouterSolicitation }

func (m *RouterSolicitation) marshalBody() ([]byte, error) {
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}
	return append(make([]byte, 4), opts...), nil
}

// RouterAdvertisement is an RA (RFC 4861 4.2). RouterLifetime is in
// seconds, ReachableTime and RetransTimer in milliseconds.
type RouterAdvertisement struct {
	CurHopLimit    uint8
	Flags          uint8
	RouterLifetime uint16
	ReachableTime  uint32
	RetransTimer   uint32
	Options        []Option
}

func (m *RouterAdvertisement) Type() ipv6.ICMPType { return TypeRouterAdvertisement }

func (m *RouterAdvertisement) marshalBody() ([]byte, error) {
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 12, 12+len(opts))
	b[0] = m.CurHopLimit
	b[1] = m.Flags
	binary.BigEndian.PutUint16(b[2:4], m.RouterLifetime)
	binary.BigEndian.PutUint32(b[4:8], m.ReachableTime)
	binary.BigEndian.PutUint32(b[8:12], m.RetransTimer)
	return append(b, opts...), nil
}

// NeighborSolicitation is an NS (RFC 4861 4.3).
type NeighborSolicitation struct {
	Target  netip.Addr
	Options []Option
}

func (m *NeighborSolicitation) Type() ipv6.ICMPType { return TypeNeighborSolicitation }

func (m *NeighborSolicitation) marshalBody() ([]byte, error) {
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 20, 20+len(opts))
	putAddr(b[4:20], m.Target)
	return append(b, opts...), nil
}

// NeighborAdvertisement is an NA (RFC 4861 4.4).
type NeighborAdvertisement struct {
	Flags   uint8
	Target  netip.Addr
	Options []Option
}

func (m *NeighborAdvertisement) Type() ipv6.ICMPType { return TypeNeighborAdvertisement }

func (m *NeighborAdvertisement) marshalBody() ([]byte, error) {
	opts, err := marshalOptions(m.Options)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 20, 20+len(opts))
	b[0] = m.Flags
	putAddr(b[4:20], m.Target)
	return append(b, opts...), nil
}

// DuplicateAddress is the shared body of DAR and DAC (RFC 6775 4.4).
// Lifetime is in units of 60 seconds.
type DuplicateAddress struct {
	Confirmation bool // DAC when set, DAR otherwise
	Status       uint8
	Lifetime     uint16
	EUI64        EUI64
	Address      netip.Addr
}

func (m *DuplicateAddress) Type() ipv6.ICMPType {
	if m.Confirmation {
		return TypeDuplicateAddressConfirmation
	}
	return TypeDuplicateAddressRequest
}

func (m *DuplicateAddress) marshalBody() ([]byte, error) {
	b := make([]byte, 28)
	b[0] = m.Status
	binary.BigEndian.PutUint16(b[2:4], m.Lifetime)
	copy(b[4:12], m.EUI64[:])
	putAddr(b[12:28], m.Address)
	return b, nil
}

// Marshal encodes m as a complete ICMPv6 message with its checksum
// computed for the given source and destination.
func Marshal(m Message, src, dst netip.Addr) ([]byte, error) {
	body, err := m.marshalBody()
	if err != nil {
		return nil, err
	}
	msg := icmp.Message{
		Type: m.Type(),
		Code: 0,
		Body: &icmp.RawBody{Data: body},
	}
	b, err := msg.Marshal(icmp.IPv6PseudoHeader(src.AsSlice(), dst.AsSlice()))
	if err != nil {
		return nil, fmt.Errorf("ndp: marshal %v: %w", m.Type(), err)
	}
	return b, nil
}

// Parse decodes an ICMPv6 ND message. It does not verify the checksum;
// see VerifyChecksum.
func Parse(b []byte) (Message, error) {
	msg, err := icmp.ParseMessage(ProtocolICMPv6, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShort, err)
	}
	if msg.Code != 0 {
		return nil, fmt.Errorf("ndp: nonzero code %d for %v", msg.Code, msg.Type)
	}
	raw, ok := msg.Body.(*icmp.RawBody)
	if !ok {
		return nil, ErrType
	}
	body := raw.Data
	typ, _ := msg.Type.(ipv6.ICMPType)

	switch typ {
	case TypeRouterSolicitation:
		if len(body) < 4 {
			return nil, ErrShort
		}
		opts, err := parseOptions(body[4:])
		if err != nil {
			return nil, err
		}
		return &RouterSolicitation{Options: opts}, nil
	case TypeRouterAdvertisement:
		if len(body) < 12 {
			return nil, ErrShort
		}
		opts, err := parseOptions(body[12:])
		if err != nil {
			return nil, err
		}
		return &RouterAdvertisement{
			CurHopLimit:    body[0],
			Flags:          body[1],
			RouterLifetime: binary.BigEndian.Uint16(body[2:4]),
			ReachableTime:  binary.BigEndian.Uint32(body[4:8]),
			RetransTimer:   binary.BigEndian.Uint32(body[8:12]),
			Options:        opts,
		}, nil
	case TypeNeighborSolicitation:
		if len(body) < 20 {
			return nil, ErrShort
		}
		opts, err := parseOptions(body[20:])
		if err != nil {
			return nil, err
		}
		return &NeighborSolicitation{Target: parseAddr(body[4:20]), Options: opts}, nil
	case TypeNeighborAdvertisement:
		if len(body) < 20 {
			return nil, ErrShort
		}
		opts, err := parseOptions(body[20:])
		if err != nil {
			return nil, err
		}
		return &NeighborAdvertisement{Flags: body[0], Target: parseAddr(body[4:20]), Options: opts}, nil
	case TypeDuplicateAddressRequest, TypeDuplicateAddressConfirmation:
		if len(body) < 28 {
			return nil, ErrShort
		}
		m := &DuplicateAddress{
			Confirmation: typ == TypeDuplicateAddressConfirmation,
			Status:       body[0],
			Lifetime:     binary.BigEndian.Uint16(body[2:4]),
			Address:      parseAddr(body[12:28]),
		}
		copy(m.EUI64[:], body[4:12])
		return m, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrType, b[0])
}

// IsND reports whether an ICMPv6 type is one handled by Parse.
func IsND(t ipv6.ICMPType) bool {
	switch t {
	case TypeRouterSolicitation, TypeRouterAdvertisement,
		TypeNeighborSolicitation, TypeNeighborAdvertisement,
		TypeDuplicateAddressRequest, TypeDuplicateAddressConfirmation:
		return true
	}
	return false
}
