// Package upstream joins and scans upstream WiFi networks through
// NetworkManager.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"netprov/pkg/models"
)

// ErrTimeout is reported when a connection attempt exceeds its bound
var ErrTimeout = errors.New("connection attempt timed out")

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Connector wraps nmcli for one wireless interface
type Connector struct {
	nmcli string
	iface string
	run   Runner

	mu        sync.Mutex
	lastScan  []models.WifiNetwork
	scannedAt time.Time
}

// NewConnector creates a connector. A nil runner executes real commands.
func NewConnector(nmcli, iface string, run Runner) *Connector {
	if run == nil {
		run = execRunner
	}
	return &Connector{nmcli: nmcli, iface: iface, run: run}
}

// Connect makes one attempt to join ssid, blocking up to timeout. On
// success NetworkManager persists the connection profile.
func (c *Connector) Connect(ctx context.Context, ssid, credential string, timeout time.Duration) models.ConnectOutcome {
	if ssid == "" {
		return models.ConnectOutcome{Error: "ssid is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	args := []string{"--wait", strconv.Itoa(secs), "device", "wifi", "connect", ssid}
	if credential != "" {
		args = append(args, "password", credential)
	}
	args = append(args, "ifname", c.iface)

	log.Printf("Connecting %s to %q", c.iface, ssid)
	out, err := c.run(ctx, c.nmcli, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return models.ConnectOutcome{Error: fmt.Sprintf("%v after %s", ErrTimeout, timeout)}
	}
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		log.Printf("Warning: connect to %q failed: %s", ssid, detail)
		return models.ConnectOutcome{Error: detail}
	}

	log.Printf("Connected %s to %q", c.iface, ssid)
	return models.ConnectOutcome{Success: true}
}

// Scan lists visible networks, strongest first. While the interface is
// serving the access point a live scan usually fails, so the last
// successful result is returned instead.
func (c *Connector) Scan(ctx context.Context) ([]models.WifiNetwork, error) {
	out, err := c.run(ctx, c.nmcli, "--terse", "--fields", "SSID,SIGNAL,SECURITY",
		"device", "wifi", "list", "ifname", c.iface, "--rescan", "auto")
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.lastScan != nil {
			log.Printf("Warning: scan on %s failed, using results from %s: %v", c.iface, c.scannedAt.Format(time.RFC3339), err)
			return append([]models.WifiNetwork(nil), c.lastScan...), nil
		}
		return nil, fmt.Errorf("scan %s: %w: %s", c.iface, err, strings.TrimSpace(string(out)))
	}

	networks := ParseScan(string(out))

	c.mu.Lock()
	c.lastScan = networks
	c.scannedAt = time.Now()
	c.mu.Unlock()

	return append([]models.WifiNetwork(nil), networks...), nil
}

// ParseScan parses `nmcli --terse --fields SSID,SIGNAL,SECURITY` output.
// Hidden networks are skipped and each SSID is reported once with its
// strongest signal.
func ParseScan(out string) []models.WifiNetwork {
	best := make(map[string]models.WifiNetwork)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := splitTerse(line)
		if len(fields) < 3 || fields[0] == "" {
			continue
		}

		signal, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		security := strings.TrimSpace(fields[2])
		if security == "--" {
			security = ""
		}

		n := models.WifiNetwork{
			SSID:      fields[0],
			Signal:    signal,
			Encrypted: security != "",
			Security:  security,
		}
		if prev, ok := best[n.SSID]; !ok || n.Signal > prev.Signal {
			best[n.SSID] = n
		}
	}

	networks := make([]models.WifiNetwork, 0, len(best))
	for _, n := range best {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool {
		if networks[i].Signal != networks[j].Signal {
			return networks[i].Signal > networks[j].Signal
		}
		return networks[i].SSID < networks[j].SSID
	})
	return networks
}

// splitTerse splits a terse nmcli line on unescaped colons
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		switch ch := line[i]; {
		case ch == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case ch == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	return append(fields, cur.String())
}
