package probe

import (
	"net"
	"os"
	"path/filepath"

	"github.com/vishvananda/netlink"
)

// NetlinkSource lists interfaces through rtnetlink
type NetlinkSource struct {
	// SysfsRoot is where per-interface directories live, /sys/class/net
	// when empty.
	SysfsRoot string
}

// Links implements LinkSource
func (s NetlinkSource) Links() ([]Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}

	var out []Link
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}

		up := attrs.Flags&net.FlagUp != 0
		entry := Link{
			Name: attrs.Name,
			Up:   up,
			// Some drivers never report an operstate, treat those as having
			// carrier while administratively up.
			Carrier:  attrs.OperState == netlink.OperUp || (up && attrs.OperState == netlink.OperUnknown),
			Wireless: s.isWireless(attrs.Name),
		}

		addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			entry.Addrs = append(entry.Addrs, a.IP)
		}

		out = append(out, entry)
	}
	return out, nil
}

func (s NetlinkSource) isWireless(name string) bool {
	root := s.SysfsRoot
	if root == "" {
		root = "/sys/class/net"
	}
	_, err := os.Stat(filepath.Join(root, name, "wireless"))
	return err == nil
}
