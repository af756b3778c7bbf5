package thread

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/lowpand/pkg/ndp"
)

// RFC 5007 message, option and query type codes.
const (
	msgLeaseQuery      = dhcpv6.MessageType(14)
	msgLeaseQueryReply = dhcpv6.MessageType(15)

	optClientID   = 1
	optIAAddr     = 5
	optStatusCode = 13
	optLQQuery    = dhcpv6.OptionCode(44)
	optClientData = dhcpv6.OptionCode(45)

	queryByAddress = 1
)

var (
	// ErrNotFound is returned when the server holds no lease for the
	// address.
	ErrNotFound = errors.New("leasequery: no binding")
	// ErrNoLinkAddr is returned when the lease owner's DUID carries no
	// link-layer address.
	ErrNoLinkAddr = errors.New("leasequery: client DUID has no link-layer address")
)

// Client resolves addresses to link addresses by asking a DHCPv6 server
// who holds the lease (RFC 5007 query by address).
type Client struct {
	Server  netip.AddrPort
	Timeout time.Duration
	// HWAddr identifies this requester in the Client Identifier option.
	HWAddr net.HardwareAddr
}

// Query returns the link address of the node leasing addr.
func (c *Client) Query(ctx context.Context, addr netip.Addr) (ndp.LinkAddr, error) {
	msg, err := buildQuery(addr, c.HWAddr)
	if err != nil {
		return ndp.LinkAddr{}, err
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.Server.String())
	if err != nil {
		return ndp.LinkAddr{}, fmt.Errorf("leasequery: dial %s: %w", c.Server, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if _, err := conn.Write(msg.ToBytes()); err != nil {
		return ndp.LinkAddr{}, fmt.Errorf("leasequery: send: %w", err)
	}
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return ndp.LinkAddr{}, fmt.Errorf("leasequery: %s: %w", addr, err)
		}
		lla, err := parseReply(buf[:n], msg.TransactionID)
		if errors.Is(err, errOtherTransaction) {
			continue
		}
		return lla, err
	}
}

func buildQuery(addr netip.Addr, hw net.HardwareAddr) (*dhcpv6.Message, error) {
	var mods []dhcpv6.Modifier
	if len(hw) > 0 {
		mods = append(mods, dhcpv6.WithClientID(&dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: hw,
		}))
	}
	msg, err := dhcpv6.NewMessage(mods...)
	if err != nil {
		return nil, fmt.Errorf("leasequery: %w", err)
	}
	msg.MessageType = msgLeaseQuery

	// query-type, link-address (unspecified), then an IAADDR option
	// naming the address.
	data := make([]byte, 0, 1+16+4+24)
	data = append(data, queryByAddress)
	data = append(data, make([]byte, 16)...)
	data = binary.BigEndian.AppendUint16(data, optIAAddr)
	data = binary.BigEndian.AppendUint16(data, 24)
	a := addr.As16()
	data = append(data, a[:]...)
	data = append(data, make([]byte, 8)...)
	msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: optLQQuery, OptionData: data})
	return msg, nil
}

var errOtherTransaction = errors.New("leasequery: reply for another transaction")

func parseReply(b []byte, xid dhcpv6.TransactionID) (ndp.LinkAddr, error) {
	d, err := dhcpv6.FromBytes(b)
	if err != nil {
		return ndp.LinkAddr{}, fmt.Errorf("leasequery: parse reply: %w", err)
	}
	msg, ok := d.(*dhcpv6.Message)
	if !ok || msg.MessageType != msgLeaseQueryReply {
		return ndp.LinkAddr{}, fmt.Errorf("leasequery: unexpected %s", d.Type())
	}
	if msg.TransactionID != xid {
		return ndp.LinkAddr{}, errOtherTransaction
	}
	if st := msg.Options.GetOne(dhcpv6.OptionCode(optStatusCode)); st != nil {
		if raw := st.ToBytes(); len(raw) >= 2 && binary.BigEndian.Uint16(raw) != 0 {
			return ndp.LinkAddr{}, ErrNotFound
		}
	}
	cd := msg.Options.GetOne(optClientData)
	if cd == nil {
		return ndp.LinkAddr{}, ErrNotFound
	}
	duid := subOption(cd.ToBytes(), optClientID)
	if duid == nil {
		return ndp.LinkAddr{}, ErrNoLinkAddr
	}
	id, err := dhcpv6.DUIDFromBytes(duid)
	if err != nil {
		return ndp.LinkAddr{}, fmt.Errorf("leasequery: client DUID: %w", err)
	}
	var hw net.HardwareAddr
	switch v := id.(type) {
	case *dhcpv6.DUIDLL:
		hw = v.LinkLayerAddr
	case *dhcpv6.DUIDLLT:
		hw = v.LinkLayerAddr
	}
	if len(hw) == 0 || len(hw) > 8 {
		return ndp.LinkAddr{}, ErrNoLinkAddr
	}
	return ndp.LinkAddrFrom(hw), nil
}

// subOption returns the payload of the first option with the given code
// in an encoded option list.
func subOption(b []byte, code uint16) []byte {
	for len(b) >= 4 {
		c := binary.BigEndian.Uint16(b)
		n := int(binary.BigEndian.Uint16(b[2:]))
		if len(b) < 4+n {
			return nil
		}
		if c == code {
			return b[4 : 4+n]
		}
		b = b[4+n:]
	}
	return nil
}
