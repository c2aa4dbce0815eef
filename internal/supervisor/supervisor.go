// Package supervisor decides which network personality the host runs.
//
// A single control loop polls the link prober, picks a target state with
// the precedence wired > wifi > provisioning, and drives the access point
// controller to match. The loop is the only writer of the network state and
// the status record; asynchronous signals from the captive portal are queued
// and consumed by the same loop between poll cycles.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"netprov/internal/metrics"
	"netprov/pkg/models"
)

const (
	eventQueueSize = 16
	maxHistory     = 20
)

var (
	// ErrNotProvisioning rejects connect requests outside provisioning
	ErrNotProvisioning = errors.New("not in provisioning state")
	// ErrConnectInProgress rejects a second concurrent connect request
	ErrConnectInProgress = errors.New("a connection attempt is already in progress")
	// ErrStopped is returned for connect requests after Run returned
	ErrStopped = errors.New("supervisor stopped")
)

// Prober reports link usability for an interface class
type Prober interface {
	Probe(ctx context.Context, class models.InterfaceClass) (models.LinkObservation, error)
}

// APController starts and stops the provisioning access point
type APController interface {
	Activate(ctx context.Context, cfg models.APConfig) error
	Deactivate(ctx context.Context) error
	IsActive() bool
	// Check reports a running access point that stopped serving
	Check() error
}

// Connector joins an upstream WiFi network
type Connector interface {
	Connect(ctx context.Context, ssid, credential string, timeout time.Duration) models.ConnectOutcome
}

// StatusWriter persists the status record
type StatusWriter interface {
	Write(rec models.StatusRecord) error
}

// Options configures a Supervisor
type Options struct {
	PollInterval        time.Duration
	ConnectTimeout      time.Duration
	MaxBackoff          time.Duration
	ProvisioningTimeout time.Duration
	ShutdownTimeout     time.Duration
	// APTimeout bounds a single Activate or Deactivate
	APTimeout time.Duration

	MaxActivationFailures   int
	MaxDeactivationFailures int
	DwellCycles             int

	AP models.APConfig
	// UpstreamInterface joins upstream networks. When it is the access
	// point interface the access point is taken down for each attempt.
	UpstreamInterface string
	// SessionLog receives one JSON line per closed session when set
	SessionLog string
	// Clients counts provisioning clients, optional
	Clients func() int

	Metrics *metrics.Collector
	Now     func() time.Time
}

// Supervisor runs the network state machine
type Supervisor struct {
	opts      Options
	prober    Prober
	ap        APController
	connector Connector
	status    StatusWriter

	events     chan models.Event
	requests   chan connectRequest
	stopped    chan struct{}
	connecting chan struct{}

	// Owned by the control loop
	state              models.NetworkState
	iface              string
	lastTransition     time.Time
	lastObservation    time.Time
	session            *models.ProvisioningSession
	activateFailures   int
	deactivateFailures int
	degraded           bool
	lastErr            string
	pending            models.NetworkState
	pendingCount       int
	backoff            *backoff.ExponentialBackOff
	interval           time.Duration

	// Read model for other goroutines
	mu      sync.RWMutex
	view    models.StatusRecord
	current *models.ProvisioningSession
	history []models.ProvisioningSession
}

// New creates a supervisor in the disconnected state
func New(opts Options, prober Prober, ap APController, connector Connector, status StatusWriter) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 45 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.APTimeout <= 0 {
		opts.APTimeout = 2 * time.Minute
	}
	if opts.MaxActivationFailures <= 0 {
		opts.MaxActivationFailures = 5
	}
	if opts.MaxDeactivationFailures <= 0 {
		opts.MaxDeactivationFailures = 5
	}
	if opts.DwellCycles <= 0 {
		opts.DwellCycles = 1
	}
	if opts.UpstreamInterface == "" {
		opts.UpstreamInterface = opts.AP.Interface
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * opts.PollInterval
	if b.InitialInterval > opts.MaxBackoff {
		b.InitialInterval = opts.MaxBackoff
	}
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	s := &Supervisor{
		opts:       opts,
		prober:     prober,
		ap:         ap,
		connector:  connector,
		status:     status,
		events:     make(chan models.Event, eventQueueSize),
		requests:   make(chan connectRequest),
		stopped:    make(chan struct{}),
		connecting: make(chan struct{}, 1),
		state:      models.StateDisconnected,
		backoff:    b,
		interval:   opts.PollInterval,
	}
	s.view = s.record()
	return s
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	log.Printf("[state=%s] "+format, append([]interface{}{s.state}, args...)...)
}

// Run drives the control loop until ctx is cancelled, then tears the
// access point down once before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stopped)

	s.opts.Metrics.SetState(s.state)
	s.writeRecord()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.HandleEvent(ctx, ev)
		case req := <-s.requests:
			s.serveConnect(ctx, req)
		case <-timer.C:
			s.Cycle(ctx)
			timer.Reset(s.interval)
		}
	}
}

// Cycle runs one poll iteration. The transition it decides on is fully
// committed (or abandoned) before it returns.
func (s *Supervisor) Cycle(ctx context.Context) {
	target, obs := s.decide(ctx)
	s.lastObservation = s.opts.Now()

	defer s.updateInterval()

	if ctx.Err() != nil {
		return
	}

	if target == s.state {
		s.pending, s.pendingCount = "", 0
		switch {
		case target == models.StateProvisioningActive:
			s.tendSession(ctx)
		case obs.Interface != s.iface:
			s.logf("Active interface changed from %s to %s", s.iface, obs.Interface)
			s.iface = obs.Interface
		}
		s.writeRecord()
		return
	}

	if !s.dwellSatisfied(target) {
		s.writeRecord()
		return
	}

	s.transition(ctx, target, obs.Interface)
}

// decide probes wired then wifi and returns the target state
func (s *Supervisor) decide(ctx context.Context) (models.NetworkState, models.LinkObservation) {
	if wired := s.probe(ctx, models.ClassWired); wired.Usable() {
		return models.StateEthernetConnected, wired
	}
	if wifi := s.probe(ctx, models.ClassWifi); wifi.Usable() {
		return models.StateWifiConnected, wifi
	}
	return models.StateProvisioningActive, models.LinkObservation{}
}

func (s *Supervisor) probe(ctx context.Context, class models.InterfaceClass) models.LinkObservation {
	start := time.Now()
	obs, err := s.prober.Probe(ctx, class)
	if err != nil {
		s.logf("Warning: %s probe failed, assuming no link: %v", class, err)
		obs = models.LinkObservation{Class: class, ObservedAt: s.opts.Now()}
	}
	s.opts.Metrics.ObserveProbe(class, obs.Usable(), time.Since(start))
	return obs
}

// dwellSatisfied requires a target to be seen DwellCycles times in a row
// before leaving a settled state. Leaving disconnected is never delayed.
func (s *Supervisor) dwellSatisfied(target models.NetworkState) bool {
	if s.opts.DwellCycles <= 1 || s.state == models.StateDisconnected {
		return true
	}
	if target != s.pending {
		s.pending, s.pendingCount = target, 0
	}
	s.pendingCount++
	if s.pendingCount < s.opts.DwellCycles {
		s.logf("Observed %s (%d/%d), waiting before switching", target, s.pendingCount, s.opts.DwellCycles)
		return false
	}
	return true
}

func (s *Supervisor) transition(ctx context.Context, target models.NetworkState, iface string) {
	if target == models.StateProvisioningActive {
		s.enterProvisioning(ctx)
		return
	}

	outcome := models.OutcomeAborted
	if target == models.StateWifiConnected {
		outcome = models.OutcomeConnected
	}
	if !s.releaseAP(ctx, outcome) {
		return
	}
	s.commit(target, iface)
}

func (s *Supervisor) enterProvisioning(ctx context.Context) {
	if !s.activate(ctx) {
		return
	}

	s.session = &models.ProvisioningSession{
		ID:        uuid.NewString(),
		StartedAt: s.opts.Now(),
		Interface: s.opts.AP.Interface,
		SSID:      s.opts.AP.SSID,
	}
	if s.opts.AP.Subnet != nil {
		s.session.Subnet = s.opts.AP.Subnet.String()
	}
	s.logf("Provisioning session %s started, SSID %q on %s", s.session.ID, s.session.SSID, s.session.Interface)
	s.commit(models.StateProvisioningActive, s.opts.AP.Interface)
}

// activate brings the access point up within APTimeout and keeps the
// failure accounting. It returns false when the access point is not up.
func (s *Supervisor) activate(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.APTimeout)
	err := s.ap.Activate(opCtx, s.opts.AP)
	cancel()
	s.opts.Metrics.ObserveAPOperation("activate", err)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.activateFailures++
		s.lastErr = err.Error()
		s.logf("Warning: access point activation failed (%d consecutive): %v", s.activateFailures, err)
		if s.activateFailures >= s.opts.MaxActivationFailures {
			s.setDegraded(true)
		}
		s.writeRecord()
		return false
	}

	s.activateFailures = 0
	s.lastErr = ""
	s.clearDegradedIfHealthy()
	return true
}

// stopAP makes sure nothing of the access point is left, within
// APTimeout. The session stays open.
func (s *Supervisor) stopAP(ctx context.Context) error {
	if s.ap.IsActive() {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.APTimeout)
		err := s.ap.Deactivate(opCtx)
		cancel()
		s.opts.Metrics.ObserveAPOperation("deactivate", err)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.deactivateFailures++
			s.lastErr = err.Error()
			s.logf("Warning: access point deactivation failed (%d consecutive), staying put: %v", s.deactivateFailures, err)
			if s.deactivateFailures >= s.opts.MaxDeactivationFailures {
				s.setDegraded(true)
			}
			s.writeRecord()
			return err
		}
	}

	s.deactivateFailures = 0
	s.clearDegradedIfHealthy()
	return nil
}

// releaseAP makes sure the access point is fully down and closes the
// session. It returns false when teardown failed and the caller must not
// commit a connected state.
func (s *Supervisor) releaseAP(ctx context.Context, outcome models.SessionOutcome) bool {
	if err := s.stopAP(ctx); err != nil {
		return false
	}
	s.closeSession(outcome)
	return true
}

// tendSession runs while provisioning is steady
func (s *Supervisor) tendSession(ctx context.Context) {
	if err := s.ap.Check(); err != nil {
		s.lastErr = err.Error()
		s.logf("Warning: access point stopped serving, restarting it: %v", err)
		if s.releaseAP(ctx, models.OutcomeAborted) {
			s.commit(models.StateDisconnected, "")
		}
		return
	}

	if s.session == nil {
		return
	}
	if s.opts.Clients != nil {
		if n := s.opts.Clients(); n > s.session.Clients {
			s.session.Clients = n
		}
	}

	timeout := s.opts.ProvisioningTimeout
	if timeout <= 0 || s.opts.Now().Sub(s.session.StartedAt) < timeout {
		return
	}
	s.logf("Provisioning session %s reached its %s limit", s.session.ID, timeout)
	if !s.releaseAP(ctx, models.OutcomeTimedOut) {
		return
	}
	s.commit(models.StateDisconnected, "")
}

func (s *Supervisor) setDegraded(degraded bool) {
	if s.degraded == degraded {
		return
	}
	s.degraded = degraded
	s.opts.Metrics.SetDegraded(degraded)
	if degraded {
		s.backoff.Reset()
		s.logf("Warning: marking %s degraded, backing off retries", s.opts.AP.Interface)
		return
	}
	s.logf("Access point operations recovered, clearing degraded")
}

func (s *Supervisor) clearDegradedIfHealthy() {
	if s.activateFailures == 0 && s.deactivateFailures == 0 {
		s.setDegraded(false)
	}
}

func (s *Supervisor) updateInterval() {
	if s.degraded {
		s.interval = s.backoff.NextBackOff()
		return
	}
	s.interval = s.opts.PollInterval
}

// Interval is the wait before the next poll cycle
func (s *Supervisor) Interval() time.Duration {
	return s.interval
}

func (s *Supervisor) commit(target models.NetworkState, iface string) {
	from := s.state
	s.state = target
	s.iface = iface
	s.lastTransition = s.opts.Now()
	s.pending, s.pendingCount = "", 0

	// activation failures only matter while provisioning is needed
	if target.Connected() {
		s.activateFailures = 0
		s.clearDegradedIfHealthy()
	}

	s.logf("Transition %s -> %s (interface %q)", from, target, iface)
	s.opts.Metrics.ObserveTransition(from, target)
	s.writeRecord()
}

func (s *Supervisor) closeSession(outcome models.SessionOutcome) {
	if s.session == nil {
		return
	}
	sess := *s.session
	s.session = nil

	sess.Outcome = outcome
	sess.EndedAt = s.opts.Now()
	if s.opts.Clients != nil {
		if n := s.opts.Clients(); n > sess.Clients {
			sess.Clients = n
		}
	}

	s.logf("Provisioning session %s closed: outcome=%s connected_ssid=%q attempts=%d clients=%d duration=%s",
		sess.ID, sess.Outcome, sess.ConnectedSSID, sess.ConnectAttempts, sess.Clients,
		sess.EndedAt.Sub(sess.StartedAt).Truncate(time.Second))

	s.mu.Lock()
	s.history = append(s.history, sess)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()

	if s.opts.SessionLog != "" {
		if err := appendSession(s.opts.SessionLog, sess); err != nil {
			s.logf("Warning: failed to archive session %s: %v", sess.ID, err)
		}
	}
}

func appendSession(path string, sess models.ProvisioningSession) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(sess)
}

func (s *Supervisor) record() models.StatusRecord {
	failures := s.activateFailures
	if s.deactivateFailures > failures {
		failures = s.deactivateFailures
	}
	rec := models.StatusRecord{
		State:               s.state,
		ActiveInterface:     s.iface,
		LastTransition:      s.lastTransition,
		LastObservation:     s.lastObservation,
		Degraded:            s.degraded,
		ConsecutiveFailures: failures,
		LastError:           s.lastErr,
	}
	if s.session != nil {
		rec.SessionID = s.session.ID
	}
	return rec
}

func (s *Supervisor) writeRecord() {
	rec := s.record()
	if err := s.status.Write(rec); err != nil {
		s.logf("Warning: failed to write status record: %v", err)
	}

	var current *models.ProvisioningSession
	if s.session != nil {
		cp := *s.session
		current = &cp
	}

	s.mu.Lock()
	s.view = rec
	s.current = current
	s.mu.Unlock()
}

func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if s.ap.IsActive() {
		s.logf("Shutting down, stopping access point")
		err := s.ap.Deactivate(ctx)
		s.opts.Metrics.ObserveAPOperation("deactivate", err)
		if err != nil {
			s.logf("Warning: access point still up at exit: %v", err)
			return
		}
	} else {
		s.logf("Shutting down")
	}

	if s.state == models.StateProvisioningActive {
		s.closeSession(models.OutcomeAborted)
		s.commit(models.StateDisconnected, "")
	}
}

// HandleEvent applies one asynchronous signal. Run calls it from the
// control loop; it must not be called concurrently with Cycle.
func (s *Supervisor) HandleEvent(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventConnected:
		// duplicates and stale signals are dropped without a trace
		if s.state != models.StateProvisioningActive {
			return
		}
		if s.session != nil {
			s.session.ConnectAttempts++
			s.session.ConnectedSSID = ev.SSID
		}
		s.logf("Portal reported connection to %q", ev.SSID)
		if !s.releaseAP(ctx, models.OutcomeConnected) {
			return
		}
		s.commit(models.StateWifiConnected, s.opts.UpstreamInterface)

	case models.EventConnectFailed:
		if s.session == nil {
			return
		}
		s.session.ConnectAttempts++
		s.logf("Connection to %q failed, access point stays up: %s", ev.SSID, ev.Detail)
		s.writeRecord()

	default:
		s.logf("Warning: ignoring unknown event %q", ev.Kind)
	}
}

// Notify queues an event for the control loop and reports whether it was
// queued. Safe for concurrent use.
func (s *Supervisor) Notify(ev models.Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
		return true
	default:
		log.Printf("Warning: event queue full, deferring %s event for %q", ev.Kind, ev.SSID)
		return false
	}
}

type connectRequest struct {
	ssid       string
	credential string
	reply      chan connectResult
}

type connectResult struct {
	outcome models.ConnectOutcome
	err     error
}

// RequestConnect makes one upstream connection attempt on behalf of the
// portal. The attempt runs on the control loop, which owns the interface;
// at most one is accepted at a time.
func (s *Supervisor) RequestConnect(ctx context.Context, ssid, credential string) (models.ConnectOutcome, error) {
	if s.Status().State != models.StateProvisioningActive {
		return models.ConnectOutcome{}, ErrNotProvisioning
	}

	select {
	case s.connecting <- struct{}{}:
	default:
		return models.ConnectOutcome{}, ErrConnectInProgress
	}
	defer func() { <-s.connecting }()

	req := connectRequest{ssid: ssid, credential: credential, reply: make(chan connectResult, 1)}
	select {
	case s.requests <- req:
	case <-s.stopped:
		return models.ConnectOutcome{}, ErrStopped
	case <-ctx.Done():
		return models.ConnectOutcome{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.outcome, res.err
	case <-ctx.Done():
		return models.ConnectOutcome{}, ctx.Err()
	}
}

func (s *Supervisor) serveConnect(ctx context.Context, req connectRequest) {
	outcome, err := s.connect(ctx, req.ssid, req.credential)
	req.reply <- connectResult{outcome: outcome, err: err}
}

// connect joins an upstream network while provisioning. When the access
// point and the upstream connection share the interface, the access point
// is taken down first and brought back if the attempt fails.
func (s *Supervisor) connect(ctx context.Context, ssid, credential string) (models.ConnectOutcome, error) {
	if s.state != models.StateProvisioningActive {
		return models.ConnectOutcome{}, ErrNotProvisioning
	}
	if s.session != nil {
		s.session.ConnectAttempts++
	}

	shared := s.opts.UpstreamInterface == s.opts.AP.Interface
	if shared {
		s.logf("Handing %s over from the access point to join %q", s.opts.UpstreamInterface, ssid)
		if err := s.stopAP(ctx); err != nil {
			return models.ConnectOutcome{}, fmt.Errorf("release %s from the access point: %w", s.opts.UpstreamInterface, err)
		}
	}

	outcome := s.connector.Connect(ctx, ssid, credential, s.opts.ConnectTimeout)
	s.opts.Metrics.ObserveConnect(outcome.Success)

	if outcome.Success {
		if s.session != nil {
			s.session.ConnectedSSID = ssid
		}
		s.logf("Joined %q on %s", ssid, s.opts.UpstreamInterface)
		// with separate radios a failed teardown is retried by the next
		// cycle, which then sees the upstream link
		if s.releaseAP(ctx, models.OutcomeConnected) {
			s.commit(models.StateWifiConnected, s.opts.UpstreamInterface)
		}
		return outcome, nil
	}

	s.logf("Connection to %q failed: %s", ssid, outcome.Error)
	if shared {
		s.restoreAP(ctx)
	}
	s.writeRecord()
	return outcome, nil
}

// restoreAP brings the access point back after a failed attempt on a
// shared interface. If that fails the session ends and the next cycle
// starts over from disconnected.
func (s *Supervisor) restoreAP(ctx context.Context) {
	if s.activate(ctx) {
		s.logf("Access point back up on %s for another attempt", s.opts.AP.Interface)
		return
	}
	s.closeSession(models.OutcomeAborted)
	s.commit(models.StateDisconnected, "")
}

// Status returns the last committed status record
func (s *Supervisor) Status() models.StatusRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Session returns the open provisioning session, if any
func (s *Supervisor) Session() (models.ProvisioningSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.ProvisioningSession{}, false
	}
	return *s.current, true
}

// Sessions returns recently closed sessions, oldest first
func (s *Supervisor) Sessions() []models.ProvisioningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ProvisioningSession(nil), s.history...)
}
