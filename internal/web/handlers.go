package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"netprov/internal/supervisor"
	"netprov/pkg/models"
	"netprov/pkg/utils"
)

// ConnectRequest is the body of POST /api/connect
type ConnectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// ConnectResponse reports the outcome of a connect request
type ConnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	models.StatusRecord
	Session *models.ProvisioningSession `json:"session,omitempty"`
}

// ClientJSON represents a provisioning client lease
type ClientJSON struct {
	Expire string        `json:"expire"`
	Remain string        `json:"remain"`
	Delta  time.Duration `json:"delta"`
	MAC    string        `json:"mac"`
	Vendor string        `json:"vendor,omitempty"`
	IP     string        `json:"ip"`
	IPSort uint32        `json:"ipSort"`
	Name   string        `json:"name"`
	ID     string        `json:"id"`
}

// LogEntryJSON represents a log entry in JSON format
type LogEntryJSON struct {
	Timestamp string `json:"when"`
	UnixTime  int64  `json:"utime"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
}

var (
	errBadSSID     = errors.New("network name must be 1 to 32 bytes")
	errBadPassword = errors.New("password must be 8 to 64 characters")
	errNotReady    = errors.New("portal is not ready")
)

// connect validates and forwards a connect request, returning the HTTP
// status to use when err is set
func (s *Server) connect(ctx context.Context, ssid, password string) (models.ConnectOutcome, int, error) {
	if ssid == "" || len(ssid) > 32 {
		return models.ConnectOutcome{}, http.StatusBadRequest, errBadSSID
	}
	if password != "" && (len(password) < 8 || len(password) > 64) {
		return models.ConnectOutcome{}, http.StatusBadRequest, errBadPassword
	}

	p := s.provisioner()
	if p == nil {
		return models.ConnectOutcome{}, http.StatusServiceUnavailable, errNotReady
	}

	// The client usually loses the portal mid-request when the radio
	// switches over, which must not abort the attempt.
	outcome, err := p.RequestConnect(context.WithoutCancel(ctx), ssid, password)
	switch {
	case errors.Is(err, supervisor.ErrConnectInProgress), errors.Is(err, supervisor.ErrNotProvisioning):
		return outcome, http.StatusConflict, err
	case err != nil:
		return outcome, http.StatusInternalServerError, err
	}

	log.Printf("Connect to %q from portal: success=%t %s", ssid, outcome.Success, outcome.Error)
	return outcome, http.StatusOK, nil
}

// handleConnectAPI handles POST /api/connect with a JSON or form body
func (s *Server) handleConnectAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConnectRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid JSON data", http.StatusBadRequest)
			return
		}
	} else {
		req.SSID = r.FormValue("ssid")
		req.Password = r.FormValue("password")
	}

	outcome, status, err := s.connect(r.Context(), req.SSID, req.Password)
	if err != nil {
		s.writeJSONError(w, err.Error(), status)
		return
	}

	response := ConnectResponse{Success: outcome.Success, Error: outcome.Error}
	if outcome.Success {
		response.Message = "Connected to " + req.SSID
	}
	s.writeJSON(w, response)
}

// handleScanAPI lists upstream networks
func (s *Server) handleScanAPI(w http.ResponseWriter, r *http.Request) {
	networks, err := s.scanner.Scan(r.Context())
	if err != nil {
		log.Printf("Warning: scan failed: %v", err)
		s.writeJSONError(w, "Scan failed: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	if networks == nil {
		networks = []models.WifiNetwork{}
	}
	s.writeJSON(w, map[string]interface{}{"data": networks})
}

// handleStatusAPI reports the current state and open session
func (s *Server) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	p := s.provisioner()
	if p == nil {
		s.writeJSONError(w, errNotReady.Error(), http.StatusServiceUnavailable)
		return
	}

	response := StatusResponse{StatusRecord: p.Status()}
	if sess, ok := p.Session(); ok {
		response.Session = &sess
	}
	s.writeJSON(w, response)
}

// handleSessionsAPI lists recently closed provisioning sessions
func (s *Server) handleSessionsAPI(w http.ResponseWriter, r *http.Request) {
	p := s.provisioner()
	if p == nil {
		s.writeJSONError(w, errNotReady.Error(), http.StatusServiceUnavailable)
		return
	}

	sessions := p.Sessions()
	if sessions == nil {
		sessions = []models.ProvisioningSession{}
	}
	s.writeJSON(w, map[string]interface{}{"data": sessions})
}

// handleClientsAPI lists DHCP leases on the provisioning network
func (s *Server) handleClientsAPI(w http.ResponseWriter, r *http.Request) {
	leases, err := s.leases.Leases()
	if err != nil {
		log.Printf("Warning: %v", err)
		s.writeJSONError(w, "Failed to read leases", http.StatusInternalServerError)
		return
	}

	clients := make([]ClientJSON, len(leases))
	for i, lease := range leases {
		remain, expire := "Infinite", "Never"
		if !lease.Expire.IsZero() {
			remain = lease.Remain.Round(time.Second).String()
			expire = lease.Expire.Format("2006-01-02 15:04:05")
		}

		clients[i] = ClientJSON{
			Expire: expire,
			Remain: remain,
			Delta:  lease.Remain,
			MAC:    strings.ToUpper(lease.MAC.String()),
			Vendor: lease.Vendor,
			IP:     lease.IP.String(),
			IPSort: utils.IPToInt(lease.IP),
			Name:   lease.Name,
			ID:     lease.ID,
		}
	}

	s.writeJSON(w, map[string]interface{}{"data": clients})
}

// handleLogsAPI returns recent hostapd and dnsmasq output
func (s *Server) handleLogsAPI(w http.ResponseWriter, r *http.Request) {
	entries := s.logs.Logs()
	jsonLogs := make([]LogEntryJSON, len(entries))
	for i, entry := range entries {
		jsonLogs[i] = LogEntryJSON{
			Timestamp: entry.Timestamp.Format(time.RFC3339),
			UnixTime:  entry.UnixTime,
			Channel:   entry.Channel,
			Message:   entry.Message,
		}
	}
	s.writeJSON(w, map[string]interface{}{"data": jsonLogs})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ConnectResponse{Success: false, Error: message})
}
