package thread

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/lowpand/pkg/link/channel"
	"github.com/psaab/lowpand/pkg/ndp"
)

var (
	target  = netip.MustParseAddr("2001:db8::42")
	ownerHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x42}
)

type fakeQuerier struct {
	mu    sync.Mutex
	calls []netip.Addr
	gate  chan struct{}
	lla   ndp.LinkAddr
	err   error
}

func (q *fakeQuerier) Query(ctx context.Context, addr netip.Addr) (ndp.LinkAddr, error) {
	q.mu.Lock()
	q.calls = append(q.calls, addr)
	q.mu.Unlock()
	if q.gate != nil {
		select {
		case <-q.gate:
		case <-ctx.Done():
			return ndp.LinkAddr{}, ctx.Err()
		}
	}
	return q.lla, q.err
}

func TestTransmitNS(t *testing.T) {
	ep := channel.NewHub().Endpoint(ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 1}), 4)
	q := &fakeQuerier{gate: make(chan struct{}), lla: ndp.LinkAddrFrom(ownerHW)}
	got := make(chan ndp.LinkAddr, 1)
	l := New(ep, q, func(addr netip.Addr, lla ndp.LinkAddr) {
		if addr == target {
			got <- lla
		}
	})
	defer l.Close()

	if l.TransmitNS(target, netip.Addr{}, true, ndp.LinkAddr{}) {
		t.Error("unicast probe was intercepted")
	}
	if !l.TransmitNS(target, netip.Addr{}, false, ndp.LinkAddr{}) {
		t.Fatal("multicast solicitation not intercepted")
	}
	// A retransmission while the lookup runs does not start another.
	l.TransmitNS(target, netip.Addr{}, false, ndp.LinkAddr{})
	if n := l.Pending(); n != 1 {
		t.Errorf("pending = %d", n)
	}
	close(q.gate)

	select {
	case lla := <-got:
		if lla != ndp.LinkAddrFrom(ownerHW) {
			t.Errorf("resolved %v", lla)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lookup never resolved")
	}
	q.mu.Lock()
	calls := len(q.calls)
	q.mu.Unlock()
	if calls != 1 {
		t.Errorf("queries = %d, want 1", calls)
	}
	if l.LinkAddr() != ep.LinkAddr() {
		t.Error("link address not delegated")
	}
}

func TestCloseCancelsLookups(t *testing.T) {
	ep := channel.NewHub().Endpoint(ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 1}), 4)
	q := &fakeQuerier{gate: make(chan struct{})}
	called := false
	l := New(ep, q, func(netip.Addr, ndp.LinkAddr) { called = true })
	l.TransmitNS(target, netip.Addr{}, false, ndp.LinkAddr{})
	l.Close()
	if called || l.Pending() != 0 {
		t.Errorf("called=%v pending=%d after Close", called, l.Pending())
	}
}

func reply(xid dhcpv6.TransactionID, hw net.HardwareAddr, status uint16) []byte {
	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return nil
	}
	msg.MessageType = msgLeaseQueryReply
	msg.TransactionID = xid
	if status != 0 {
		msg.AddOption(&dhcpv6.OptionGeneric{
			OptionCode: dhcpv6.OptionCode(optStatusCode),
			OptionData: binary.BigEndian.AppendUint16(nil, status),
		})
		return msg.ToBytes()
	}
	duid := (&dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: hw}).ToBytes()
	var cd []byte
	cd = binary.BigEndian.AppendUint16(cd, optClientID)
	cd = binary.BigEndian.AppendUint16(cd, uint16(len(duid)))
	cd = append(cd, duid...)
	msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: optClientData, OptionData: cd})
	return msg.ToBytes()
}

func TestParseReply(t *testing.T) {
	q, err := buildQuery(target, ownerHW)
	if err != nil {
		t.Fatal(err)
	}
	if q.MessageType != msgLeaseQuery {
		t.Fatalf("query type %v", q.MessageType)
	}
	lq := q.Options.GetOne(optLQQuery)
	if lq == nil {
		t.Fatal("no LQ_QUERY option")
	}
	raw := lq.ToBytes()
	if raw[0] != queryByAddress || netip.AddrFrom16([16]byte(raw[21:37])) != target {
		t.Errorf("LQ_QUERY = %x", raw)
	}

	lla, err := parseReply(reply(q.TransactionID, ownerHW, 0), q.TransactionID)
	if err != nil || lla != ndp.LinkAddrFrom(ownerHW) {
		t.Errorf("parseReply = %v, %v", lla, err)
	}
	if _, err := parseReply(reply(q.TransactionID, nil, 9), q.TransactionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("status reply: %v", err)
	}
	other := q.TransactionID
	other[0]++
	if _, err := parseReply(reply(other, ownerHW, 0), q.TransactionID); !errors.Is(err, errOtherTransaction) {
		t.Errorf("foreign reply: %v", err)
	}
}

func TestClientQuery(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 1500)
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		d, err := dhcpv6.FromBytes(buf[:n])
		if err != nil {
			return
		}
		m := d.(*dhcpv6.Message)
		pc.WriteTo(reply(m.TransactionID, ownerHW, 0), from)
	}()

	c := &Client{
		Server:  netip.MustParseAddrPort(pc.LocalAddr().String()),
		Timeout: 5 * time.Second,
		HWAddr:  net.HardwareAddr{2, 0, 0, 0, 0, 1},
	}
	lla, err := c.Query(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if lla != ndp.LinkAddrFrom(ownerHW) {
		t.Errorf("lla = %v", lla)
	}
}
