// ===== internal/config/config.go =====
package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"gopkg.in/ini.v1"

	"netprov/pkg/models"
	"netprov/pkg/utils"
)

// ErrInvalid is returned by Validate for unusable settings
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	// Timing
	PollInterval        time.Duration
	ProbeTimeout        time.Duration
	VerifyTimeout       time.Duration
	ConnectTimeout      time.Duration
	ProvisioningTimeout time.Duration
	MaxBackoff          time.Duration
	APOpTimeout         time.Duration

	// Probing
	ProbeTarget   string
	WiredPattern  string
	WifiInterface string
	APInterface   string

	// Access point
	SSIDSuffix string
	Subnet     string
	Channel    int
	DHCPStart  int
	DHCPEnd    int
	PortalPort int
	HTMLDir    string

	// File paths
	StatusFile  string
	SpoolDir    string
	RunDir      string
	OUIDatabase string

	// Binary paths
	Hostapd string
	DNSMasq string
	Nmcli   string

	// Retry policy
	MaxActivationFailures   int
	MaxDeactivationFailures int
	DwellCycles             int

	// Network settings
	MetricsListen string
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            10 * time.Second,
		ProbeTimeout:            5 * time.Second,
		VerifyTimeout:           10 * time.Second,
		ConnectTimeout:          45 * time.Second,
		ProvisioningTimeout:     0,
		MaxBackoff:              5 * time.Minute,
		APOpTimeout:             2 * time.Minute,
		ProbeTarget:             "1.1.1.1:53",
		WiredPattern:            "^(eth|en)",
		SSIDSuffix:              "-setup",
		Subnet:                  "192.168.4.0/24",
		Channel:                 6,
		DHCPStart:               10,
		DHCPEnd:                 50,
		PortalPort:              80,
		StatusFile:              "/run/netprov/status",
		SpoolDir:                "/run/netprov/events",
		RunDir:                  "/run/netprov",
		Hostapd:                 "/usr/sbin/hostapd",
		DNSMasq:                 "/usr/sbin/dnsmasq",
		Nmcli:                   "/usr/bin/nmcli",
		MaxActivationFailures:   5,
		MaxDeactivationFailures: 5,
		DwellCycles:             1,
	}
}

// LoadFromFile loads configuration from INI file
func (c *Config) LoadFromFile(filename string) error {
	cfg, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, filename)
	if err != nil {
		log.Printf("Skipping config file %s: %s", filename, err)
		return err
	}

	section := cfg.Section("")
	c.PollInterval = section.Key("pollinterval").MustDuration(c.PollInterval)
	c.ProbeTimeout = section.Key("probetimeout").MustDuration(c.ProbeTimeout)
	c.VerifyTimeout = section.Key("verifytimeout").MustDuration(c.VerifyTimeout)
	c.ConnectTimeout = section.Key("connecttimeout").MustDuration(c.ConnectTimeout)
	c.ProvisioningTimeout = section.Key("provisioningtimeout").MustDuration(c.ProvisioningTimeout)
	c.MaxBackoff = section.Key("maxbackoff").MustDuration(c.MaxBackoff)
	c.APOpTimeout = section.Key("apoptimeout").MustDuration(c.APOpTimeout)
	c.ProbeTarget = section.Key("probetarget").MustString(c.ProbeTarget)
	c.WiredPattern = section.Key("wiredpattern").MustString(c.WiredPattern)
	c.WifiInterface = section.Key("wifiinterface").MustString(c.WifiInterface)
	c.APInterface = section.Key("apinterface").MustString(c.APInterface)
	c.SSIDSuffix = section.Key("ssidsuffix").MustString(c.SSIDSuffix)
	c.Subnet = section.Key("subnet").MustString(c.Subnet)
	c.Channel = section.Key("channel").MustInt(c.Channel)
	c.DHCPStart = section.Key("dhcpstart").MustInt(c.DHCPStart)
	c.DHCPEnd = section.Key("dhcpend").MustInt(c.DHCPEnd)
	c.PortalPort = section.Key("portalport").MustInt(c.PortalPort)
	c.HTMLDir = section.Key("htmldir").MustString(c.HTMLDir)
	c.StatusFile = section.Key("statusfile").MustString(c.StatusFile)
	c.SpoolDir = section.Key("spooldir").MustString(c.SpoolDir)
	c.RunDir = section.Key("rundir").MustString(c.RunDir)
	c.OUIDatabase = section.Key("ouidatabase").MustString(c.OUIDatabase)
	c.Hostapd = section.Key("hostapd").MustString(c.Hostapd)
	c.DNSMasq = section.Key("dnsmasq").MustString(c.DNSMasq)
	c.Nmcli = section.Key("nmcli").MustString(c.Nmcli)
	c.MaxActivationFailures = section.Key("maxactivationfailures").MustInt(c.MaxActivationFailures)
	c.MaxDeactivationFailures = section.Key("maxdeactivationfailures").MustInt(c.MaxDeactivationFailures)
	c.DwellCycles = section.Key("dwellcycles").MustInt(c.DwellCycles)
	c.MetricsListen = section.Key("metricslisten").MustString(c.MetricsListen)

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	envDuration("POLLINTERVAL", &c.PollInterval)
	envDuration("PROBETIMEOUT", &c.ProbeTimeout)
	envDuration("VERIFYTIMEOUT", &c.VerifyTimeout)
	envDuration("CONNECTTIMEOUT", &c.ConnectTimeout)
	envDuration("PROVISIONINGTIMEOUT", &c.ProvisioningTimeout)
	envDuration("MAXBACKOFF", &c.MaxBackoff)
	envDuration("APOPTIMEOUT", &c.APOpTimeout)

	if v := os.Getenv("PROBETARGET"); v != "" {
		c.ProbeTarget = v
	}
	if v := os.Getenv("WIREDPATTERN"); v != "" {
		c.WiredPattern = v
	}
	if v := os.Getenv("WIFIINTERFACE"); v != "" {
		c.WifiInterface = v
	}
	if v := os.Getenv("APINTERFACE"); v != "" {
		c.APInterface = v
	}
	if v := os.Getenv("SSIDSUFFIX"); v != "" {
		c.SSIDSuffix = v
	}
	if v := os.Getenv("SUBNET"); v != "" {
		c.Subnet = v
	}
	if v := os.Getenv("HTMLDIR"); v != "" {
		c.HTMLDir = v
	}
	if v := os.Getenv("STATUSFILE"); v != "" {
		c.StatusFile = v
	}
	if v := os.Getenv("SPOOLDIR"); v != "" {
		c.SpoolDir = v
	}
	if v := os.Getenv("RUNDIR"); v != "" {
		c.RunDir = v
	}
	if v := os.Getenv("OUIDATABASE"); v != "" {
		c.OUIDatabase = v
	}
	if v := os.Getenv("HOSTAPD"); v != "" {
		c.Hostapd = v
	}
	if v := os.Getenv("DNSMASQ"); v != "" {
		c.DNSMasq = v
	}
	if v := os.Getenv("NMCLI"); v != "" {
		c.Nmcli = v
	}
	if v := os.Getenv("METRICSLISTEN"); v != "" {
		c.MetricsListen = v
	}

	envInt("CHANNEL", &c.Channel)
	envInt("DHCPSTART", &c.DHCPStart)
	envInt("DHCPEND", &c.DHCPEnd)
	envInt("PORTALPORT", &c.PortalPort)
	envInt("MAXACTIVATIONFAILURES", &c.MaxActivationFailures)
	envInt("MAXDEACTIVATIONFAILURES", &c.MaxDeactivationFailures)
	envInt("DWELLCYCLES", &c.DwellCycles)
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = d
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: ignoring %s=%q: %v", name, v, err)
		return
	}
	*dst = n
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"pollinterval":   c.PollInterval,
		"probetimeout":   c.ProbeTimeout,
		"verifytimeout":  c.VerifyTimeout,
		"connecttimeout": c.ConnectTimeout,
		"maxbackoff":     c.MaxBackoff,
		"apoptimeout":    c.APOpTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.ProvisioningTimeout < 0 {
		return fmt.Errorf("%w: provisioningtimeout must not be negative", ErrInvalid)
	}

	if _, err := regexp.Compile(c.WiredPattern); err != nil {
		return fmt.Errorf("%w: wiredpattern: %v", ErrInvalid, err)
	}

	if _, _, err := net.SplitHostPort(c.ProbeTarget); err != nil {
		return fmt.Errorf("%w: probetarget: %v", ErrInvalid, err)
	}

	if c.MaxActivationFailures < 1 || c.MaxDeactivationFailures < 1 {
		return fmt.Errorf("%w: failure thresholds must be at least 1", ErrInvalid)
	}
	if c.DwellCycles < 1 {
		return fmt.Errorf("%w: dwellcycles must be at least 1", ErrInvalid)
	}

	if c.DHCPStart >= c.DHCPEnd {
		return fmt.Errorf("%w: dhcp range %d-%d is empty", ErrInvalid, c.DHCPStart, c.DHCPEnd)
	}

	// The interface name is only known after detection, so validate the
	// rest of the access point settings with a placeholder.
	ap, err := c.APConfig("validate", "placeholder")
	if err != nil {
		return err
	}
	if err := ap.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return nil
}

// SSID derives the access point SSID from the host name. The host name is
// shortened so the result fits the SSID limit, never splitting a rune.
func (c *Config) SSID(hostname string) string {
	budget := models.MaxSSIDLen - len(c.SSIDSuffix)
	if budget < 0 {
		budget = 0
	}
	if len(hostname) > budget {
		cut := budget
		for cut > 0 && !utf8.RuneStart(hostname[cut]) {
			cut--
		}
		hostname = hostname[:cut]
	}
	return hostname + c.SSIDSuffix
}

// APConfig builds the access point settings for an interface
func (c *Config) APConfig(iface, hostname string) (models.APConfig, error) {
	_, subnet, err := net.ParseCIDR(c.Subnet)
	if err != nil {
		return models.APConfig{}, fmt.Errorf("%w: subnet: %v", ErrInvalid, err)
	}

	gateway, err := utils.SubnetHost(subnet, 1)
	if err != nil {
		return models.APConfig{}, fmt.Errorf("%w: gateway: %v", ErrInvalid, err)
	}
	start, err := utils.SubnetHost(subnet, uint32(c.DHCPStart))
	if err != nil {
		return models.APConfig{}, fmt.Errorf("%w: dhcpstart: %v", ErrInvalid, err)
	}
	end, err := utils.SubnetHost(subnet, uint32(c.DHCPEnd))
	if err != nil {
		return models.APConfig{}, fmt.Errorf("%w: dhcpend: %v", ErrInvalid, err)
	}

	return models.APConfig{
		Interface:  iface,
		SSID:       c.SSID(hostname),
		Channel:    c.Channel,
		Subnet:     subnet,
		Gateway:    gateway,
		DHCPStart:  start,
		DHCPEnd:    end,
		PortalPort: c.PortalPort,
	}, nil
}

// New creates a new configuration instance
func New(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	// A missing file is not an error, defaults and env still apply
	cfg.LoadFromFile(configFile)

	// Override with environment variables
	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
