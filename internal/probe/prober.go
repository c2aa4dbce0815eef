// Package probe reports whether an interface class currently provides a
// usable upstream link.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"netprov/pkg/models"
)

// ErrProbe marks failures of the probing machinery itself, as opposed to
// an absent link.
var ErrProbe = errors.New("probe failed")

// Link is a snapshot of one network interface
type Link struct {
	Name     string
	Up       bool
	Carrier  bool
	Wireless bool
	Addrs    []net.IP
}

// LinkSource enumerates the host's interfaces
type LinkSource interface {
	Links() ([]Link, error)
}

// DialFunc opens a connection to target through the named interface
type DialFunc func(ctx context.Context, iface string, src net.IP, target string) (net.Conn, error)

// Options configures a Prober
type Options struct {
	Target        string
	Timeout       time.Duration
	WiredPattern  string
	WifiInterface string
}

// Prober checks carrier, address and reachability per interface class
type Prober struct {
	links   LinkSource
	dial    DialFunc
	target  string
	timeout time.Duration
	wiredRE *regexp.Regexp
	wifi    string
	now     func() time.Time
}

// New creates a prober. A nil dial uses an interface-bound TCP dialer.
func New(links LinkSource, dial DialFunc, opts Options) (*Prober, error) {
	re, err := regexp.Compile(opts.WiredPattern)
	if err != nil {
		return nil, fmt.Errorf("wired pattern: %w", err)
	}
	if dial == nil {
		dial = interfaceDial
	}
	return &Prober{
		links:   links,
		dial:    dial,
		target:  opts.Target,
		timeout: opts.Timeout,
		wiredRE: re,
		wifi:    opts.WifiInterface,
		now:     time.Now,
	}, nil
}

// Probe returns the first interface of the class that is up, has an
// address and reaches the target. When none qualifies the observation has
// an empty Interface; that is a normal result, not an error.
func (p *Prober) Probe(ctx context.Context, class models.InterfaceClass) (models.LinkObservation, error) {
	obs := models.LinkObservation{Class: class, ObservedAt: p.now()}

	links, err := p.links.Links()
	if err != nil {
		return obs, fmt.Errorf("%w: list %s interfaces: %v", ErrProbe, class, err)
	}

	for _, l := range links {
		if !l.Up || !p.matches(l, class) {
			continue
		}
		addr := firstIPv4(l.Addrs)
		if !l.Carrier || addr == nil {
			continue
		}
		if !p.reachable(ctx, l.Name, addr) {
			continue
		}
		obs.Interface = l.Name
		obs.HasCarrier = true
		obs.Address = addr
		obs.Reachable = true
		return obs, nil
	}

	return obs, nil
}

func (p *Prober) matches(l Link, class models.InterfaceClass) bool {
	switch class {
	case models.ClassWired:
		return !l.Wireless && p.wiredRE.MatchString(l.Name)
	case models.ClassWifi:
		if p.wifi != "" {
			return l.Name == p.wifi
		}
		return l.Wireless
	}
	return false
}

func (p *Prober) reachable(ctx context.Context, iface string, src net.IP) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, iface, src, p.target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func firstIPv4(addrs []net.IP) net.IP {
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil && !v4.IsLinkLocalUnicast() {
			return v4
		}
	}
	return nil
}

// FindWireless returns the preferred wireless interface, or the first one
// present when preferred is empty.
func FindWireless(src LinkSource, preferred string) (string, error) {
	links, err := src.Links()
	if err != nil {
		return "", fmt.Errorf("%w: list interfaces: %v", ErrProbe, err)
	}
	for _, l := range links {
		if !l.Wireless {
			continue
		}
		if preferred == "" || l.Name == preferred {
			return l.Name, nil
		}
	}
	if preferred != "" {
		return "", fmt.Errorf("wireless interface %s not found", preferred)
	}
	return "", errors.New("no wireless interface found")
}
