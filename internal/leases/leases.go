// Package leases reads the DHCP leases handed out on the provisioning
// network.
package leases

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"netprov/pkg/models"
)

// Table reads a dnsmasq lease file on demand
type Table struct {
	path    string
	vendors *Vendors
}

// NewTable creates a table for path. vendors may be nil.
func NewTable(path string, vendors *Vendors) *Table {
	return &Table{path: path, vendors: vendors}
}

// Leases returns the current unexpired leases. A missing file means no
// clients yet.
func (t *Table) Leases() ([]models.DHCPLease, error) {
	content, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read leases: %w", err)
	}

	leases := Parse(string(content), time.Now())
	for i := range leases {
		leases[i].Vendor = t.vendors.Lookup(leases[i].MAC)
	}
	return leases, nil
}

// Count returns the number of current leases, 0 when unreadable
func (t *Table) Count() int {
	leases, err := t.Leases()
	if err != nil {
		log.Printf("Warning: %v", err)
		return 0
	}
	return len(leases)
}

// Parse reads dnsmasq lease lines of the form
//
//	<expiry> <mac> <ip> <hostname> <client-id>
//
// Malformed and expired lines are skipped. An expiry of 0 never expires.
func Parse(content string, now time.Time) []models.DHCPLease {
	var leases []models.DHCPLease

	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		lease, ok := parseLine(fields, now)
		if !ok {
			continue
		}
		leases = append(leases, lease)
	}

	return leases
}

func parseLine(fields []string, now time.Time) (models.DHCPLease, bool) {
	var lease models.DHCPLease

	expiry, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return lease, false
	}
	if expiry != 0 {
		lease.Expire = time.Unix(expiry, 0)
		if !lease.Expire.After(now) {
			return lease, false
		}
		lease.Remain = lease.Expire.Sub(now).Truncate(time.Second)
	}

	if lease.MAC, err = net.ParseMAC(fields[1]); err != nil {
		return lease, false
	}
	if lease.IP = net.ParseIP(fields[2]); lease.IP == nil {
		return lease, false
	}

	// dnsmasq writes "*" for unknown values
	if fields[3] != "*" {
		lease.Name = fields[3]
	}
	if len(fields) > 4 && fields[4] != "*" {
		lease.ID = fields[4]
	}

	return lease, true
}
