// Package web serves the captive portal shown to provisioning clients.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"netprov/pkg/models"
)

// Provisioner is the supervisor surface the portal drives
type Provisioner interface {
	Status() models.StatusRecord
	Session() (models.ProvisioningSession, bool)
	Sessions() []models.ProvisioningSession
	RequestConnect(ctx context.Context, ssid, credential string) (models.ConnectOutcome, error)
}

// Scanner lists upstream networks
type Scanner interface {
	Scan(ctx context.Context) ([]models.WifiNetwork, error)
}

// LeaseSource lists provisioning clients
type LeaseSource interface {
	Leases() ([]models.DHCPLease, error)
}

// LogSource returns recent sub-process output
type LogSource interface {
	Logs() []models.LogEntry
}

// Options configures the portal
type Options struct {
	Hostname string
	HTMLDir  string
	// PortalURL is where captive network probes are redirected
	PortalURL string
	// ShutdownGrace is how long Shutdown waits for in-flight requests
	// before closing their connections
	ShutdownGrace time.Duration
}

// Server is the captive portal. It is started and stopped with the
// access point, so each Serve creates a fresh http.Server.
type Server struct {
	opts      Options
	scanner   Scanner
	leases    LeaseSource
	logs      LogSource
	templates *TemplateManager
	mux       *http.ServeMux

	mu   sync.RWMutex
	prov Provisioner
	srv  *http.Server
}

// TemplateData holds data for the layout template
type TemplateData struct {
	PageTitle string
	PageBody  template.HTML
}

// PortalData holds data for the portal page
type PortalData struct {
	Hostname  string
	Networks  []models.WifiNetwork
	ScanError string
	Status    models.StatusRecord
	Message   string
	Error     string
}

// NewServer creates the portal. SetProvisioner must be called before
// connect requests can be served.
func NewServer(opts Options, scanner Scanner, leases LeaseSource, logs LogSource) (*Server, error) {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 2 * time.Second
	}
	server := &Server{
		opts:      opts,
		scanner:   scanner,
		leases:    leases,
		logs:      logs,
		templates: NewTemplateManager(opts.HTMLDir),
		mux:       http.NewServeMux(),
	}

	if err := server.templates.LoadTemplates(); err != nil {
		return nil, err
	}
	server.setupRoutes()

	return server, nil
}

// SetProvisioner attaches the supervisor
func (s *Server) SetProvisioner(p Provisioner) {
	s.mu.Lock()
	s.prov = p
	s.mu.Unlock()
}

func (s *Server) provisioner() Provisioner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prov
}

// Handler returns the portal's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve starts listening on addr in the background. Bind errors are
// returned directly. Serving while already up is a no-op.
func (s *Server) Serve(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("portal listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Warning: portal server on %s stopped: %v", addr, err)
		}
	}()
	return nil
}

// Shutdown stops the portal. In-flight requests get ShutdownGrace to
// finish, then their connections are closed. A connect request that
// switches the radio over is still waiting for this teardown, so it is
// never waited for beyond the grace. Shutting down a stopped portal is a
// no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(graceCtx); err != nil {
		log.Printf("Warning: closing portal connections with requests in flight: %v", err)
		srv.Close()
	}
	return nil
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/connect", s.handleConnectForm)
	s.mux.HandleFunc("/api/scan", s.handleScanAPI)
	s.mux.HandleFunc("/api/connect", s.handleConnectAPI)
	s.mux.HandleFunc("/api/status", s.handleStatusAPI)
	s.mux.HandleFunc("/api/sessions", s.handleSessionsAPI)
	s.mux.HandleFunc("/api/clients", s.handleClientsAPI)
	s.mux.HandleFunc("/api/logs", s.handleLogsAPI)
}

// handleRoot serves the portal page. Every other path, including the
// connectivity checks of Android, Apple and Windows clients, is
// redirected to it so the client opens its captive portal browser.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	log.Printf("Request from %s: %s %s", r.RemoteAddr, r.Host, r.URL.String())

	if r.URL.Path != "/" {
		target := s.opts.PortalURL
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	s.renderPortal(w, r, PortalData{}, http.StatusOK)
}

// handleConnectForm accepts the portal form for clients without
// JavaScript
func (s *Server) handleConnectForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	ssid := r.FormValue("other")
	if ssid == "" {
		ssid = r.FormValue("ssid")
	}

	var data PortalData
	outcome, status, err := s.connect(r.Context(), ssid, r.FormValue("password"))
	switch {
	case err != nil:
		data.Error = err.Error()
	case outcome.Success:
		data.Message = fmt.Sprintf("Connected to %s. This network will now shut down.", ssid)
	default:
		data.Error = fmt.Sprintf("Could not connect to %s: %s", ssid, outcome.Error)
	}

	s.renderPortal(w, r, data, status)
}

func (s *Server) renderPortal(w http.ResponseWriter, r *http.Request, data PortalData, status int) {
	data.Hostname = s.opts.Hostname
	if p := s.provisioner(); p != nil {
		data.Status = p.Status()
	}

	networks, err := s.scanner.Scan(r.Context())
	if err != nil {
		log.Printf("Warning: scan for portal page failed: %v", err)
		data.ScanError = err.Error()
	}
	data.Networks = networks

	body, err := s.templates.Render("portal", data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	page := TemplateData{
		PageTitle: fmt.Sprintf("%s - WiFi setup", s.opts.Hostname),
		PageBody:  template.HTML(body),
	}
	out, err := s.templates.Render("layout", page)
	if err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write([]byte(out))
}
