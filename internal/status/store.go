// Package status persists the supervisor's StatusRecord for external tools.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"netprov/pkg/models"
)

// Store keeps the current record in memory and mirrors it to a key/value
// file. Only the supervisor writes; anyone may read.
type Store struct {
	path string

	mu  sync.RWMutex
	rec models.StatusRecord
}

// NewStore creates a store. An empty path keeps the record in memory only.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		rec:  models.StatusRecord{State: models.StateDisconnected},
	}
}

// Current returns the last written record
func (s *Store) Current() models.StatusRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// Write replaces the record and persists it atomically
func (s *Store) Write(rec models.StatusRecord) error {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	return writeFile(s.path, rec)
}

func writeFile(path string, rec models.StatusRecord) error {
	cfg := ini.Empty()
	section := cfg.Section("")
	pairs := []struct{ key, value string }{
		{"state", string(rec.State)},
		{"active_interface", rec.ActiveInterface},
		{"last_transition_time", formatTime(rec.LastTransition)},
		{"last_observation_time", formatTime(rec.LastObservation)},
		{"degraded", strconv.FormatBool(rec.Degraded)},
		{"consecutive_failures", strconv.Itoa(rec.ConsecutiveFailures)},
		{"last_error", rec.LastError},
		{"session_id", rec.SessionID},
	}
	for _, p := range pairs {
		if _, err := section.NewKey(p.key, p.value); err != nil {
			return fmt.Errorf("status key %s: %w", p.key, err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("failed to create status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := cfg.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads a record written by a running supervisor
func Read(path string) (models.StatusRecord, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return models.StatusRecord{}, fmt.Errorf("failed to read status file: %w", err)
	}
	section := cfg.Section("")

	state, err := models.ParseNetworkState(section.Key("state").String())
	if err != nil {
		return models.StatusRecord{}, err
	}

	return models.StatusRecord{
		State:               state,
		ActiveInterface:     section.Key("active_interface").String(),
		LastTransition:      parseTime(section.Key("last_transition_time").String()),
		LastObservation:     parseTime(section.Key("last_observation_time").String()),
		Degraded:            section.Key("degraded").MustBool(false),
		ConsecutiveFailures: section.Key("consecutive_failures").MustInt(0),
		LastError:           section.Key("last_error").String(),
		SessionID:           section.Key("session_id").String(),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
