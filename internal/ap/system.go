package ap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"

	"netprov/internal/procs"
	"netprov/pkg/models"
)

// Portal is the captive portal web service started with the access point
type Portal interface {
	Serve(addr string) error
	Shutdown(ctx context.Context) error
}

// SystemOptions configures the Linux backend
type SystemOptions struct {
	Nmcli   string
	Hostapd string
	DNSMasq string
	RunDir  string
	// Settle is how long hostapd/dnsmasq must stay up to count as started
	Settle time.Duration
	// BeforeDetach runs while the interface is still managed upstream,
	// used to warm the scan cache
	BeforeDetach func(ctx context.Context)
}

// System is the Backend that drives NetworkManager, netlink, hostapd and
// dnsmasq
type System struct {
	opts   SystemOptions
	portal Portal

	hostapd *procs.Process
	dnsmasq *procs.Process
}

// NewSystem creates the Linux backend. The portal is attached with
// SetPortal before the first activation.
func NewSystem(opts SystemOptions) *System {
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}
	s := &System{opts: opts}
	s.hostapd = procs.New("hostapd", opts.Hostapd, s.confPath("hostapd.conf"))
	s.dnsmasq = procs.New("dnsmasq", opts.DNSMasq, "--keep-in-foreground", "--conf-file="+s.confPath("dnsmasq.conf"))
	return s
}

// SetPortal attaches the captive portal
func (s *System) SetPortal(p Portal) {
	s.portal = p
}

func (s *System) confPath(name string) string {
	return filepath.Join(s.opts.RunDir, name)
}

// LeaseFile is where dnsmasq records leases of provisioning clients
func (s *System) LeaseFile() string {
	return s.confPath("ap.leases")
}

// Logs returns recent hostapd and dnsmasq output
func (s *System) Logs() []models.LogEntry {
	return append(s.hostapd.Logs(), s.dnsmasq.Logs()...)
}

func (s *System) nmcli(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, s.opts.Nmcli, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DetachUpstream stops NetworkManager from managing the interface
func (s *System) DetachUpstream(ctx context.Context, iface string) error {
	if s.opts.BeforeDetach != nil {
		s.opts.BeforeDetach(ctx)
	}
	return s.nmcli(ctx, "device", "set", iface, "managed", "no")
}

// AttachUpstream hands the interface back to NetworkManager
func (s *System) AttachUpstream(ctx context.Context, iface string) error {
	return s.nmcli(ctx, "device", "set", iface, "managed", "yes")
}

// AssignAddress brings the link up with the gateway address
func (s *System) AssignAddress(ctx context.Context, cfg models.APConfig) error {
	link, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", cfg.Interface, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", cfg.Interface, err)
	}
	addr := &netlink.Addr{IPNet: cfg.GatewayNet()}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr.IPNet, cfg.Interface, err)
	}
	return nil
}

// FlushAddress removes the gateway address
func (s *System) FlushAddress(ctx context.Context, cfg models.APConfig) error {
	link, err := netlink.LinkByName(cfg.Interface)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("lookup %s: %w", cfg.Interface, err)
	}
	addr := &netlink.Addr{IPNet: cfg.GatewayNet()}
	if err := netlink.AddrDel(link, addr); err != nil && !errors.Is(err, syscall.EADDRNOTAVAIL) {
		return fmt.Errorf("remove %s from %s: %w", addr.IPNet, cfg.Interface, err)
	}
	return nil
}

// StartRadio writes the hostapd and dnsmasq configs and starts both
func (s *System) StartRadio(ctx context.Context, cfg models.APConfig) error {
	if err := os.MkdirAll(s.opts.RunDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.opts.RunDir, err)
	}

	hostapdConf, err := RenderHostapd(cfg)
	if err != nil {
		return err
	}
	dnsmasqConf, err := RenderDnsmasq(cfg, s.LeaseFile())
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.confPath("hostapd.conf"), []byte(hostapdConf), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(s.confPath("dnsmasq.conf"), []byte(dnsmasqConf), 0o644); err != nil {
		return err
	}

	if err := s.hostapd.StartAndSettle(ctx, s.opts.Settle); err != nil {
		return err
	}
	return s.dnsmasq.StartAndSettle(ctx, s.opts.Settle)
}

// StopRadio stops dnsmasq then hostapd
func (s *System) StopRadio(ctx context.Context) error {
	var result *multierror.Error
	for _, p := range []*procs.Process{s.dnsmasq, s.hostapd} {
		stopCtx, cancel := context.WithTimeout(ctx, procs.StopGrace)
		if err := p.Stop(stopCtx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}
	return result.ErrorOrNil()
}

// CheckRadio reports hostapd or dnsmasq having exited
func (s *System) CheckRadio() error {
	for _, p := range []*procs.Process{s.hostapd, s.dnsmasq} {
		if !p.Running() {
			return fmt.Errorf("%s: %w", p.Name(), procs.ErrNotRunning)
		}
	}
	return nil
}

// StartPortal starts the captive portal on the gateway address
func (s *System) StartPortal(ctx context.Context, cfg models.APConfig) error {
	if s.portal == nil {
		return errors.New("no captive portal attached")
	}
	log.Printf("Starting captive portal on %s", cfg.PortalAddr())
	return s.portal.Serve(cfg.PortalAddr())
}

// StopPortal shuts the captive portal down
func (s *System) StopPortal(ctx context.Context) error {
	if s.portal == nil {
		return nil
	}
	return s.portal.Shutdown(ctx)
}
