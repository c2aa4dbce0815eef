package leases

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"netprov/pkg/utils"
)

const privateVendor = "Local/Privacy MAC"

// Vendors maps MAC prefixes to manufacturer names. A nil *Vendors
// only recognises locally administered addresses.
type Vendors struct {
	byPrefix map[string]string
}

type ouiEntry struct {
	OUI     string `json:"oui"`
	Company string `json:"companyName"`
}

// LoadVendors reads a JSON-lines OUI database, one object per line with
// "oui" and "companyName" keys
func LoadVendors(filename string) (*Vendors, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open MAC database: %w", err)
	}
	defer file.Close()

	v := &Vendors{byPrefix: make(map[string]string)}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry ouiEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil || entry.OUI == "" {
			continue
		}
		v.byPrefix[strings.ToUpper(entry.OUI)] = entry.Company
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read MAC database: %w", err)
	}

	log.Printf("Loaded %d MAC vendor entries", len(v.byPrefix))
	return v, nil
}

// Lookup returns the vendor for mac, or "" when unknown
func (v *Vendors) Lookup(mac net.HardwareAddr) string {
	if utils.IsPrivateMAC(mac) {
		return privateVendor
	}
	if v == nil || len(mac) == 0 {
		return ""
	}

	s := strings.ToUpper(mac.String())
	for i := len(s); i > 0; i-- {
		if company, ok := v.byPrefix[s[:i]]; ok {
			return company
		}
	}
	return ""
}
