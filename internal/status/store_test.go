package status

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netprov/pkg/models"
)

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "status")
	s := NewStore(path)
	assert.Equal(t, models.StateDisconnected, s.Current().State)

	when := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)
	rec := models.StatusRecord{
		State:               models.StateProvisioningActive,
		ActiveInterface:     "wlan0",
		LastTransition:      when,
		LastObservation:     when.Add(10 * time.Second),
		Degraded:            true,
		ConsecutiveFailures: 5,
		LastError:           "start radio: hostapd exited during startup",
		SessionID:           "1a2b",
	}
	require.NoError(t, s.Write(rec))
	assert.Equal(t, rec, s.Current())

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "active_interface"), "file is plain key/value")
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "status"))
	require.NoError(t, s.Write(models.StatusRecord{State: models.StateEthernetConnected, ActiveInterface: "eth0"}))
	require.NoError(t, s.Write(models.StatusRecord{State: models.StateWifiConnected, ActiveInterface: "wlan0"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := Read(filepath.Join(dir, "status"))
	require.NoError(t, err)
	assert.Equal(t, models.StateWifiConnected, got.State)
	assert.True(t, got.LastTransition.IsZero())
}

func TestMemoryOnlyStore(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.Write(models.StatusRecord{State: models.StateWifiConnected}))
	assert.Equal(t, models.StateWifiConnected, s.Current().State)
}

func TestReadRejectsUnknownState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	require.NoError(t, os.WriteFile(path, []byte("state = sideways\n"), 0o644))
	_, err := Read(path)
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
