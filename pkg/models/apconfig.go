package models

import (
	"fmt"
	"net"
	"strings"
)

// MaxSSIDLen is the 802.11 limit on SSID length in bytes
const MaxSSIDLen = 32

// APConfig describes the provisioning access point
type APConfig struct {
	Interface  string     `json:"interface"`
	SSID       string     `json:"ssid"`
	Channel    int        `json:"channel"`
	Subnet     *net.IPNet `json:"-"`
	Gateway    net.IP     `json:"gateway"`
	DHCPStart  net.IP     `json:"dhcpStart"`
	DHCPEnd    net.IP     `json:"dhcpEnd"`
	PortalPort int        `json:"portalPort"`
}

// GatewayNet returns the gateway address with the subnet mask, as assigned to
// the interface
func (c APConfig) GatewayNet() *net.IPNet {
	if c.Subnet == nil || c.Gateway == nil {
		return nil
	}
	return &net.IPNet{IP: c.Gateway, Mask: c.Subnet.Mask}
}

// PortalAddr returns the host:port the captive portal binds to
func (c APConfig) PortalAddr() string {
	return net.JoinHostPort(c.Gateway.String(), fmt.Sprint(c.PortalPort))
}

// PortalURL returns the URL used to verify the portal is serving
func (c APConfig) PortalURL() string {
	if c.PortalPort == 80 {
		return "http://" + c.Gateway.String() + "/"
	}
	return "http://" + c.PortalAddr() + "/"
}

// Validate validates the access point configuration
func (c APConfig) Validate() error {
	if strings.TrimSpace(c.Interface) == "" {
		return fmt.Errorf("interface is required")
	}

	if c.SSID == "" || len(c.SSID) > MaxSSIDLen {
		return fmt.Errorf("ssid must be 1-%d bytes, got %d", MaxSSIDLen, len(c.SSID))
	}

	if c.Channel < 1 || c.Channel > 14 {
		return fmt.Errorf("channel %d out of range 1-14", c.Channel)
	}

	if c.Subnet == nil {
		return fmt.Errorf("subnet is required")
	}

	for name, ip := range map[string]net.IP{"gateway": c.Gateway, "dhcp start": c.DHCPStart, "dhcp end": c.DHCPEnd} {
		if ip == nil || !c.Subnet.Contains(ip) {
			return fmt.Errorf("%s %v is not inside %s", name, ip, c.Subnet)
		}
	}

	if c.PortalPort < 1 || c.PortalPort > 65535 {
		return fmt.Errorf("portal port %d out of range", c.PortalPort)
	}

	return nil
}
