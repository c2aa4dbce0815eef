//go:build !linux

package probe

import (
	"context"
	"net"
)

func interfaceDial(ctx context.Context, iface string, src net.IP, target string) (net.Conn, error) {
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: src}}
	return d.DialContext(ctx, "tcp", target)
}
