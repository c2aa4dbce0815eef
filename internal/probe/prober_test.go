package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netprov/pkg/models"
)

type staticLinks struct {
	links []Link
	err   error
}

func (s staticLinks) Links() ([]Link, error) { return s.links, s.err }

// dialer succeeds only for the named interfaces and records every attempt
type dialer struct {
	reachable map[string]bool
	attempts  []string
}

func (d *dialer) dial(ctx context.Context, iface string, src net.IP, target string) (net.Conn, error) {
	d.attempts = append(d.attempts, iface)
	if !d.reachable[iface] {
		return nil, errors.New("unreachable")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func newProber(t *testing.T, links LinkSource, d *dialer, wifi string) *Prober {
	t.Helper()
	p, err := New(links, d.dial, Options{
		Target:        "192.0.2.1:53",
		Timeout:       time.Second,
		WiredPattern:  "^(eth|en)",
		WifiInterface: wifi,
	})
	require.NoError(t, err)
	return p
}

func ip(s string) net.IP { return net.ParseIP(s) }

func TestProbeWiredFirstUsable(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "eth0", Up: true, Carrier: false, Addrs: []net.IP{ip("10.0.0.2")}},
		{Name: "enp2s0", Up: true, Carrier: true, Addrs: []net.IP{ip("10.0.1.2")}},
		{Name: "wlan0", Up: true, Carrier: true, Wireless: true, Addrs: []net.IP{ip("10.0.2.2")}},
	}}
	d := &dialer{reachable: map[string]bool{"enp2s0": true, "wlan0": true}}
	p := newProber(t, links, d, "")

	obs, err := p.Probe(context.Background(), models.ClassWired)
	require.NoError(t, err)
	assert.True(t, obs.Usable())
	assert.Equal(t, "enp2s0", obs.Interface)
	assert.Equal(t, "10.0.1.2", obs.Address.String())
	assert.Equal(t, []string{"enp2s0"}, d.attempts, "eth0 without carrier is never dialed")
}

func TestProbeNoUsableLinkIsNotAnError(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "eth0", Up: true, Carrier: true, Addrs: []net.IP{ip("10.0.0.2")}},
		{Name: "eth1", Up: true, Carrier: true},
		{Name: "eth2", Up: false, Carrier: true, Addrs: []net.IP{ip("10.0.0.3")}},
	}}
	d := &dialer{reachable: map[string]bool{}}
	p := newProber(t, links, d, "")

	obs, err := p.Probe(context.Background(), models.ClassWired)
	require.NoError(t, err)
	assert.False(t, obs.Usable())
	assert.Empty(t, obs.Interface)
	assert.Equal(t, models.ClassWired, obs.Class)
	assert.Equal(t, []string{"eth0"}, d.attempts)
}

func TestProbeWifiHonoursConfiguredInterface(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "wlan0", Up: true, Carrier: true, Wireless: true, Addrs: []net.IP{ip("10.0.2.2")}},
		{Name: "wlan1", Up: true, Carrier: true, Wireless: true, Addrs: []net.IP{ip("10.0.3.2")}},
	}}
	d := &dialer{reachable: map[string]bool{"wlan0": true, "wlan1": true}}
	p := newProber(t, links, d, "wlan1")

	obs, err := p.Probe(context.Background(), models.ClassWifi)
	require.NoError(t, err)
	assert.Equal(t, "wlan1", obs.Interface)
}

func TestProbeSkipsLinkLocalAddresses(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "eth0", Up: true, Carrier: true, Addrs: []net.IP{ip("169.254.10.1")}},
	}}
	d := &dialer{reachable: map[string]bool{"eth0": true}}
	p := newProber(t, links, d, "")

	obs, err := p.Probe(context.Background(), models.ClassWired)
	require.NoError(t, err)
	assert.False(t, obs.Usable())
}

func TestProbeEnumerationFailure(t *testing.T) {
	p := newProber(t, staticLinks{err: errors.New("netlink socket closed")}, &dialer{}, "")

	_, err := p.Probe(context.Background(), models.ClassWired)
	assert.ErrorIs(t, err, ErrProbe)
}

func TestProbeDialTimeout(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "eth0", Up: true, Carrier: true, Addrs: []net.IP{ip("10.0.0.2")}},
	}}
	p, err := New(links, func(ctx context.Context, iface string, src net.IP, target string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Target: "192.0.2.1:53", Timeout: 20 * time.Millisecond, WiredPattern: "^eth"})
	require.NoError(t, err)

	start := time.Now()
	obs, err := p.Probe(context.Background(), models.ClassWired)
	require.NoError(t, err)
	assert.False(t, obs.Usable())
	assert.Less(t, time.Since(start), time.Second)
}

func TestFindWireless(t *testing.T) {
	links := staticLinks{links: []Link{
		{Name: "eth0"},
		{Name: "wlan0", Wireless: true},
		{Name: "wlan1", Wireless: true},
	}}

	name, err := FindWireless(links, "")
	require.NoError(t, err)
	assert.Equal(t, "wlan0", name)

	name, err = FindWireless(links, "wlan1")
	require.NoError(t, err)
	assert.Equal(t, "wlan1", name)

	_, err = FindWireless(links, "wlan9")
	assert.Error(t, err)

	_, err = FindWireless(staticLinks{links: []Link{{Name: "eth0"}}}, "")
	assert.Error(t, err)
}
