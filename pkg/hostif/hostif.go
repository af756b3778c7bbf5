// Package hostif queries and watches host network devices via netlink.
package hostif

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
)

// Info describes a host network device.
type Info struct {
	Index        int
	Name         string
	MTU          int
	HardwareAddr net.HardwareAddr
	Up           bool
}

// Lookup returns the device called name.
func Lookup(name string) (Info, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Info{}, fmt.Errorf("hostif: %s: %w", name, err)
	}
	return infoFromAttrs(link.Attrs()), nil
}

// EnsureUp sets the device administratively up.
func EnsureUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("hostif: %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("hostif: set %s up: %w", name, err)
	}
	slog.Info("hostif: device set up", "device", name)
	return nil
}

// Watch calls fn with the new state whenever one of the named devices
// changes operational state, until ctx is cancelled.
func Watch(ctx context.Context, names []string, fn func(Info)) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	updates := make(chan netlink.LinkUpdate, 16)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("hostif: subscribe: %w", err)
	}
	defer close(done)

	last := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("hostif: netlink subscription closed")
			}
			if u.Link == nil {
				continue
			}
			info := infoFromAttrs(u.Link.Attrs())
			if !want[info.Name] {
				continue
			}
			if prev, seen := last[info.Name]; seen && prev == info.Up {
				continue
			}
			last[info.Name] = info.Up
			slog.Debug("hostif: state change", "device", info.Name, "up", info.Up)
			fn(info)
		}
	}
}

func infoFromAttrs(a *netlink.LinkAttrs) Info {
	return Info{
		Index:        a.Index,
		Name:         a.Name,
		MTU:          a.MTU,
		HardwareAddr: a.HardwareAddr,
		Up:           isUp(a),
	}
}

// isUp treats an unknown operational state as up, as loopback and some
// tunnel drivers never report one.
func isUp(a *netlink.LinkAttrs) bool {
	switch a.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return a.Flags&net.FlagUp != 0
	}
	return false
}
