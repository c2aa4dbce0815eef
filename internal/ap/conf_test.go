package ap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHostapd(t *testing.T) {
	out, err := RenderHostapd(testConfig())
	require.NoError(t, err)
	assert.Contains(t, out, "interface=wlan0\n")
	assert.Contains(t, out, "ssid=pi-setup\n")
	assert.Contains(t, out, "channel=6\n")

	cfg := testConfig()
	cfg.SSID = "bad\nssid"
	_, err = RenderHostapd(cfg)
	assert.Error(t, err)
}

func TestRenderDnsmasq(t *testing.T) {
	out, err := RenderDnsmasq(testConfig(), "/run/netprov/ap.leases")
	require.NoError(t, err)
	assert.Contains(t, out, "dhcp-range=192.168.4.10,192.168.4.50,255.255.255.0,12h\n")
	assert.Contains(t, out, "listen-address=192.168.4.1\n")
	assert.Contains(t, out, "address=/#/192.168.4.1\n")
	assert.Contains(t, out, "dhcp-leasefile=/run/netprov/ap.leases\n")
}
