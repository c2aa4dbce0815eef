package ap

import (
	"fmt"
	"net"
	"strings"
	"text/template"

	"netprov/pkg/models"
)

var hostapdTmpl = template.Must(template.New("hostapd").Parse(`interface={{.Interface}}
driver=nl80211
ssid={{.SSID}}
hw_mode=g
channel={{.Channel}}
auth_algs=1
ignore_broadcast_ssid=0
wmm_enabled=1
`))

var dnsmasqTmpl = template.Must(template.New("dnsmasq").Parse(`interface={{.Interface}}
bind-interfaces
except-interface=lo
listen-address={{.Gateway}}
no-resolv
no-hosts
dhcp-range={{.DHCPStart}},{{.DHCPEnd}},{{.Netmask}},12h
dhcp-option=option:router,{{.Gateway}}
dhcp-option=option:dns-server,{{.Gateway}}
dhcp-leasefile={{.LeaseFile}}
address=/#/{{.Gateway}}
`))

// RenderHostapd renders the hostapd configuration for an open network
func RenderHostapd(cfg models.APConfig) (string, error) {
	if strings.ContainsAny(cfg.SSID, "\n\r") {
		return "", fmt.Errorf("ssid contains a line break")
	}
	var buf strings.Builder
	if err := hostapdTmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderDnsmasq renders a DHCP + wildcard DNS configuration that answers
// every name with the gateway, which is what makes the portal captive
func RenderDnsmasq(cfg models.APConfig, leaseFile string) (string, error) {
	if cfg.Subnet == nil {
		return "", fmt.Errorf("subnet is required")
	}
	data := struct {
		models.APConfig
		Netmask   string
		LeaseFile string
	}{cfg, net.IP(cfg.Subnet.Mask).String(), leaseFile}

	var buf strings.Builder
	if err := dnsmasqTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
