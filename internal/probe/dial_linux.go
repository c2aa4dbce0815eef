package probe

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// interfaceDial pins the socket to iface so the check cannot succeed over
// a different link.
func interfaceDial(ctx context.Context, iface string, src net.IP, target string) (net.Conn, error) {
	d := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: src},
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return d.DialContext(ctx, "tcp", target)
}
