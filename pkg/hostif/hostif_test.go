package hostif

import (
	"net"
	"os"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestIsUp(t *testing.T) {
	tests := []struct {
		name  string
		attrs netlink.LinkAttrs
		want  bool
	}{
		{"oper up", netlink.LinkAttrs{OperState: netlink.OperUp}, true},
		{"oper down", netlink.LinkAttrs{OperState: netlink.OperDown, Flags: net.FlagUp}, false},
		{"unknown admin up", netlink.LinkAttrs{OperState: netlink.OperUnknown, Flags: net.FlagUp}, true},
		{"unknown admin down", netlink.LinkAttrs{OperState: netlink.OperUnknown}, false},
	}
	for _, tt := range tests {
		if got := isUp(&tt.attrs); got != tt.want {
			t.Errorf("%s: isUp = %v", tt.name, got)
		}
	}
}

func TestLookupLoopback(t *testing.T) {
	if _, err := os.Stat("/sys/class/net/lo"); err != nil {
		t.Skip("no loopback device")
	}
	info, err := Lookup("lo")
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	if info.Index == 0 || info.MTU == 0 {
		t.Errorf("lo = %+v", info)
	}
	if _, err := Lookup("lowpand-missing0"); err == nil {
		t.Error("missing device found")
	}
}
