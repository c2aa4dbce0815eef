package leases

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	content := `1700003600 aa:bb:cc:dd:ee:01 192.168.4.10 phone 01:aa:bb:cc:dd:ee:01
1700000100 00:1a:2b:3c:4d:5e 192.168.4.11 * *
1699999999 00:1a:2b:3c:4d:5f 192.168.4.12 expired *
0 00:1a:2b:3c:4d:60 192.168.4.13 forever
garbage line
1700003600 not-a-mac 192.168.4.14 bad *
`

	leases := Parse(content, now)
	require.Len(t, leases, 3)

	assert.Equal(t, "phone", leases[0].Name)
	assert.Equal(t, "01:aa:bb:cc:dd:ee:01", leases[0].ID)
	assert.Equal(t, time.Hour, leases[0].Remain)
	assert.Equal(t, "192.168.4.10", leases[0].IP.String())

	assert.Empty(t, leases[1].Name)
	assert.Empty(t, leases[1].ID)

	assert.Equal(t, "forever", leases[2].Name)
	assert.True(t, leases[2].Expire.IsZero())
}

func TestTableMissingFile(t *testing.T) {
	table := NewTable(filepath.Join(t.TempDir(), "ap.leases"), nil)

	leases, err := table.Leases()
	require.NoError(t, err)
	assert.Empty(t, leases)
	assert.Equal(t, 0, table.Count())
}

func TestTableAddsVendors(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "oui.json")
	require.NoError(t, os.WriteFile(db, []byte(`{"oui":"B8:27:EB","companyName":"Raspberry Pi Foundation"}
not json
{"oui":"00:1A:2B","companyName":"Ayecom Technology"}
`), 0o644))
	vendors, err := LoadVendors(db)
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour).Unix()
	file := filepath.Join(dir, "ap.leases")
	require.NoError(t, os.WriteFile(file, []byte(
		formatLine(expiry, "b8:27:eb:01:02:03", "192.168.4.10")+
			formatLine(expiry, "da:a1:19:00:00:01", "192.168.4.11")+
			formatLine(expiry, "00:00:5e:00:53:01", "192.168.4.12"),
	), 0o644))

	table := NewTable(file, vendors)
	leases, err := table.Leases()
	require.NoError(t, err)
	require.Len(t, leases, 3)
	assert.Equal(t, "Raspberry Pi Foundation", leases[0].Vendor)
	assert.Equal(t, privateVendor, leases[1].Vendor)
	assert.Empty(t, leases[2].Vendor)
	assert.Equal(t, 3, table.Count())
}

func TestNilVendorsRecognisesPrivateAddresses(t *testing.T) {
	var v *Vendors
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	assert.Equal(t, privateVendor, v.Lookup(mac))
	mac, _ = net.ParseMAC("00:00:00:00:00:01")
	assert.Empty(t, v.Lookup(mac))
}

func formatLine(expiry int64, mac, ip string) string {
	return strconv.FormatInt(expiry, 10) + " " + mac + " " + ip + " * *\n"
}
