// ===== pkg/utils/network.go =====
package utils

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IPToInt converts an IPv4 address to a 32-bit integer
func IPToInt(ip net.IP) uint32 {
	if v4 := ip.To4(); v4 != nil {
		return binary.BigEndian.Uint32(v4)
	}
	return 0
}

// IntToIP converts a 32-bit integer back to an IP address
func IntToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

// SubnetHost returns host number n of an IPv4 subnet, e.g. host 1 of
// 192.168.4.0/24 is 192.168.4.1
func SubnetHost(subnet *net.IPNet, n uint32) (net.IP, error) {
	base := subnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("subnet %s is not IPv4", subnet)
	}
	ones, bits := subnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	if n == 0 || n >= size-1 {
		return nil, fmt.Errorf("host %d does not fit in %s", n, subnet)
	}
	return IntToIP(IPToInt(base.Mask(subnet.Mask)) + n), nil
}

// IsPrivateMAC reports whether mac is locally administered, as used by
// clients that randomise their address per network
func IsPrivateMAC(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&0x02 != 0
}
