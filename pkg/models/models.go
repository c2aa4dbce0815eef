// ===== pkg/models/models.go =====
package models

import (
	"fmt"
	"net"
	"time"
)

// NetworkState is the connectivity state owned by the supervisor.
type NetworkState string

const (
	StateDisconnected       NetworkState = "disconnected"
	StateEthernetConnected  NetworkState = "ethernet-connected"
	StateWifiConnected      NetworkState = "wifi-connected"
	StateProvisioningActive NetworkState = "provisioning-active"
)

// Connected reports whether the state has verified upstream reachability
func (s NetworkState) Connected() bool {
	return s == StateEthernetConnected || s == StateWifiConnected
}

// ParseNetworkState converts a persisted state name back to a NetworkState
func ParseNetworkState(v string) (NetworkState, error) {
	switch s := NetworkState(v); s {
	case StateDisconnected, StateEthernetConnected, StateWifiConnected, StateProvisioningActive:
		return s, nil
	}
	return "", fmt.Errorf("unknown network state %q", v)
}

// InterfaceClass selects which interfaces a probe considers
type InterfaceClass string

const (
	ClassWired InterfaceClass = "wired"
	ClassWifi  InterfaceClass = "wifi"
)

// LinkObservation is the result of one probe of one interface class.
// An empty Interface means no candidate qualified.
type LinkObservation struct {
	Class      InterfaceClass `json:"class"`
	Interface  string         `json:"interface"`
	HasCarrier bool           `json:"carrier"`
	Address    net.IP         `json:"address,omitempty"`
	Reachable  bool           `json:"reachable"`
	ObservedAt time.Time      `json:"observedAt"`
}

// Usable reports whether the observed link can carry upstream traffic
func (o LinkObservation) Usable() bool {
	return o.Interface != "" && o.HasCarrier && o.Address != nil && o.Reachable
}

// SessionOutcome is the terminal result of a provisioning session
type SessionOutcome string

const (
	OutcomeConnected SessionOutcome = "connected"
	OutcomeTimedOut  SessionOutcome = "timed-out"
	OutcomeAborted   SessionOutcome = "aborted"
)

// ProvisioningSession represents one access point run
type ProvisioningSession struct {
	ID              string         `json:"id"`
	StartedAt       time.Time      `json:"startedAt"`
	EndedAt         time.Time      `json:"endedAt,omitempty"`
	Interface       string         `json:"interface"`
	SSID            string         `json:"ssid"`
	Subnet          string         `json:"subnet"`
	Outcome         SessionOutcome `json:"outcome,omitempty"`
	ConnectedSSID   string         `json:"connectedSsid,omitempty"`
	ConnectAttempts int            `json:"connectAttempts"`
	Clients         int            `json:"clients"`
}

// Closed reports whether the session has reached a terminal outcome
func (s ProvisioningSession) Closed() bool {
	return s.Outcome != ""
}

// StatusRecord is the externally visible projection of supervisor state
type StatusRecord struct {
	State               NetworkState `json:"state"`
	ActiveInterface     string       `json:"activeInterface"`
	LastTransition      time.Time    `json:"lastTransition"`
	LastObservation     time.Time    `json:"lastObservation"`
	Degraded            bool         `json:"degraded"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	SessionID           string       `json:"sessionId,omitempty"`
}

// WifiNetwork is one upstream network seen by a scan
type WifiNetwork struct {
	SSID      string `json:"ssid"`
	Signal    int    `json:"signal"`
	Encrypted bool   `json:"encrypted"`
	Security  string `json:"security,omitempty"`
}

// ConnectOutcome is the result of one upstream connection attempt
type ConnectOutcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventKind identifies an asynchronous signal delivered to the supervisor
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventConnectFailed EventKind = "connect-failed"
)

// Event is an out-of-band signal from the portal
type Event struct {
	Kind   EventKind `json:"kind"`
	SSID   string    `json:"ssid"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// DHCPLease represents a lease handed out to a provisioning client
type DHCPLease struct {
	Expire time.Time        `json:"expire"`
	Remain time.Duration    `json:"remain"`
	MAC    net.HardwareAddr `json:"mac"`
	IP     net.IP           `json:"ip"`
	Name   string           `json:"name"`
	ID     string           `json:"id"`
	Vendor string           `json:"vendor,omitempty"`
}

// LogEntry represents a line of sub-process output
type LogEntry struct {
	Timestamp time.Time `json:"when"`
	UnixTime  int64     `json:"utime"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
}
