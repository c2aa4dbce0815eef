package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScan(t *testing.T) {
	out := `HomeNet:72:WPA2
Cafe\:Guest:40:
HomeNet:85:WPA2
:90:WPA2
Office:60:WPA1 WPA2 802.1X
Broken:x:WPA2
Open:40:--
`
	networks := ParseScan(out)
	require.Len(t, networks, 4)

	assert.Equal(t, "HomeNet", networks[0].SSID)
	assert.Equal(t, 85, networks[0].Signal, "strongest duplicate wins")
	assert.True(t, networks[0].Encrypted)

	assert.Equal(t, "Office", networks[1].SSID)
	assert.Equal(t, "Cafe:Guest", networks[2].SSID)
	assert.False(t, networks[2].Encrypted)
	assert.Equal(t, "Open", networks[3].SSID)
	assert.False(t, networks[3].Encrypted)
}

type recordedRun struct {
	name string
	args []string
}

func TestConnectBuildsCommand(t *testing.T) {
	var got recordedRun
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		got = recordedRun{name, args}
		return []byte("Device 'wlan0' successfully activated"), nil
	})

	outcome := c.Connect(context.Background(), "HomeNet", "hunter22", 30*time.Second)
	assert.True(t, outcome.Success)
	assert.Equal(t, "nmcli", got.name)
	assert.Equal(t, []string{"--wait", "30", "device", "wifi", "connect", "HomeNet", "password", "hunter22", "ifname", "wlan0"}, got.args)
}

func TestConnectOpenNetworkOmitsPassword(t *testing.T) {
	var args []string
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, a ...string) ([]byte, error) {
		args = a
		return nil, nil
	})
	require.True(t, c.Connect(context.Background(), "Open", "", time.Second).Success)
	assert.NotContains(t, args, "password")
}

func TestConnectFailureCarriesDetail(t *testing.T) {
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Error: Connection activation failed: Secrets were required, but not provided.\n"), errors.New("exit status 4")
	})

	outcome := c.Connect(context.Background(), "HomeNet", "wrong", time.Second)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "Secrets were required")
}

func TestConnectTimeout(t *testing.T) {
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	outcome := c.Connect(context.Background(), "HomeNet", "pw", 20*time.Millisecond)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, ErrTimeout.Error())
}

func TestConnectRequiresSSID(t *testing.T) {
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	})
	assert.False(t, c.Connect(context.Background(), "", "", time.Second).Success)
}

func TestScanFallsBackToLastResult(t *testing.T) {
	fail := false
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if fail {
			return []byte("Error: Device 'wlan0' is not managed"), errors.New("exit status 10")
		}
		return []byte("HomeNet:70:WPA2\n"), nil
	})

	first, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	fail = true
	second, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScanWithoutCacheFails(t *testing.T) {
	c := NewConnector("nmcli", "wlan0", func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 10")
	})
	_, err := c.Scan(context.Background())
	assert.Error(t, err)
}
