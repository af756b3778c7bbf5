package channel

import (
	"context"
	"testing"
	"time"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/ndp"
)

var (
	addrA = ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 0xa})
	addrB = ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 0xb})
	addrC = ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 0xc})
)

func TestUnicastAndBroadcast(t *testing.T) {
	h := NewHub()
	a, b, c := h.Endpoint(addrA, 4), h.Endpoint(addrB, 4), h.Endpoint(addrC, 4)

	if err := a.Transmit(&ipv6.Buffer{Data: []byte{1}, LinkDst: addrB}); err != nil {
		t.Fatal(err)
	}
	p, ok := b.Read()
	if !ok || p.Src != addrA || p.Broadcast || p.Data[0] != 1 {
		t.Errorf("b read %+v, %v", p, ok)
	}
	if n := c.Drain(); n != 0 {
		t.Errorf("c overheard %d unicast frames", n)
	}

	if err := a.Transmit(&ipv6.Buffer{Data: []byte{2}}); err != nil {
		t.Fatal(err)
	}
	for _, e := range []*Endpoint{b, c} {
		if p, ok := e.Read(); !ok || !p.Broadcast {
			t.Errorf("%v read %+v, %v", e.LinkAddr(), p, ok)
		}
	}
	if n := a.Drain(); n != 0 {
		t.Errorf("sender heard its own broadcast")
	}
}

func TestCutAndDown(t *testing.T) {
	h := NewHub()
	a, b := h.Endpoint(addrA, 4), h.Endpoint(addrB, 4)
	h.Cut(addrA, addrB, true)
	a.Transmit(&ipv6.Buffer{Data: []byte{1}})
	if n := b.Drain(); n != 0 {
		t.Errorf("cut link carried %d frames", n)
	}
	h.Cut(addrA, addrB, false)
	a.Transmit(&ipv6.Buffer{Data: []byte{1}})
	if n := b.Drain(); n != 1 {
		t.Errorf("restored link carried %d frames", n)
	}

	a.SetDown(true)
	if err := a.Transmit(&ipv6.Buffer{Data: []byte{1}}); err != ErrDown {
		t.Errorf("down endpoint: err = %v", err)
	}
}

func TestQueueFullDrops(t *testing.T) {
	h := NewHub()
	a, b := h.Endpoint(addrA, 1), h.Endpoint(addrB, 1)
	for i := 0; i < 3; i++ {
		a.Transmit(&ipv6.Buffer{Data: []byte{byte(i)}})
	}
	if sent, _ := a.Stats(); sent != 3 {
		t.Errorf("sent = %d", sent)
	}
	if _, dropped := b.Stats(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestRun(t *testing.T) {
	h := NewHub()
	a, b := h.Endpoint(addrA, 4), h.Endpoint(addrB, 4)
	b.SetQuality(addrA, 200)
	if q := b.LinkQuality(addrA); q != 200 {
		t.Errorf("quality = %d", q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Packet, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(data []byte, src, dst ndp.LinkAddr, broadcast bool) {
			got <- Packet{Data: data, Src: src, Dst: dst, Broadcast: broadcast}
		})
	}()
	a.Transmit(&ipv6.Buffer{Data: []byte{7}, LinkDst: addrB})
	select {
	case p := <-got:
		if p.Src != addrA || p.Dst != addrB {
			t.Errorf("got %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
