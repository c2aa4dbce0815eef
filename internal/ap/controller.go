// Package ap runs the provisioning access point as a two-state resource.
//
// The controller moves through
//
//	stopped -> starting -> running -> stopping -> stopped
//	starting -> stopped (on any failure, after unwinding)
//
// Activation is a fixed sequence of steps, each with an undo. Whatever
// fails, the steps already taken are undone in reverse so the interface is
// handed back to the upstream connection manager.
package ap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"netprov/pkg/models"
)

// ErrVerifyTimeout is returned when the portal does not answer in time
var ErrVerifyTimeout = errors.New("portal verification timed out")

// State is the controller lifecycle state
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Backend performs the system side effects of each activation step. Every
// method must tolerate being called when its effect is already in place
// (or already undone).
type Backend interface {
	DetachUpstream(ctx context.Context, iface string) error
	AttachUpstream(ctx context.Context, iface string) error
	AssignAddress(ctx context.Context, cfg models.APConfig) error
	FlushAddress(ctx context.Context, cfg models.APConfig) error
	StartRadio(ctx context.Context, cfg models.APConfig) error
	StopRadio(ctx context.Context) error
	StartPortal(ctx context.Context, cfg models.APConfig) error
	StopPortal(ctx context.Context) error
	// CheckRadio reports a radio helper that is no longer running
	CheckRadio() error
}

// VerifyFunc checks once whether the portal answers at url
type VerifyFunc func(ctx context.Context, url string) error

// Options configures a Controller
type Options struct {
	VerifyTimeout time.Duration
	VerifyEvery   time.Duration
	// StepTimeout bounds every single step and undo
	StepTimeout time.Duration
	// UndoTimeout bounds the rollback of a cancelled activation
	UndoTimeout time.Duration
	Verify      VerifyFunc
}

type step struct {
	name string
	do   func(context.Context, models.APConfig) error
	undo func(context.Context, models.APConfig) error
}

// Controller owns the access point lifecycle
type Controller struct {
	backend Backend
	opts    Options

	// op serializes Activate/Deactivate and guards done
	op sync.Mutex
	// done holds the steps whose effect is in place, in activation order
	done []step

	mu       sync.RWMutex
	state    State
	cfg      models.APConfig
	leftover bool
}

// NewController creates a controller in the stopped state
func NewController(backend Backend, opts Options) *Controller {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 10 * time.Second
	}
	if opts.VerifyEvery <= 0 {
		opts.VerifyEvery = 250 * time.Millisecond
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.UndoTimeout <= 0 {
		opts.UndoTimeout = 15 * time.Second
	}
	if opts.Verify == nil {
		opts.Verify = httpVerify
	}
	return &Controller{backend: backend, opts: opts, state: StateStopped}
}

func (c *Controller) steps() []step {
	b := c.backend
	return []step{
		{
			name: "detach upstream",
			do:   func(ctx context.Context, cfg models.APConfig) error { return b.DetachUpstream(ctx, cfg.Interface) },
			undo: func(ctx context.Context, cfg models.APConfig) error { return b.AttachUpstream(ctx, cfg.Interface) },
		},
		{
			name: "assign address",
			do:   b.AssignAddress,
			undo: b.FlushAddress,
		},
		{
			name: "start radio",
			do:   b.StartRadio,
			undo: func(ctx context.Context, _ models.APConfig) error { return b.StopRadio(ctx) },
		},
		{
			name: "start portal",
			do:   b.StartPortal,
			undo: func(ctx context.Context, _ models.APConfig) error { return b.StopPortal(ctx) },
		},
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsActive reports whether any part of the access point is still in place
func (c *Controller) IsActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateStopped || c.leftover
}

// Config returns the configuration of the running access point
func (c *Controller) Config() (models.APConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.state == StateRunning
}

// setState must be called with op held
func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.leftover = len(c.done) > 0
	c.mu.Unlock()
}

// Activate brings the access point up and verifies the portal answers.
// It is a no-op when already running. On failure every completed step is
// undone before returning.
func (c *Controller) Activate(ctx context.Context, cfg models.APConfig) error {
	c.op.Lock()
	defer c.op.Unlock()

	switch c.State() {
	case StateRunning:
		return nil
	case StateStopped:
	default:
		return fmt.Errorf("cannot activate while %s", c.State())
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid access point config: %w", err)
	}

	if len(c.done) > 0 {
		if err := c.unwind(ctx); err != nil {
			return fmt.Errorf("leftovers of a failed activation: %w", err)
		}
	}

	c.mu.Lock()
	c.state = StateStarting
	c.cfg = cfg
	c.mu.Unlock()

	log.Printf("Activating access point %q on %s", cfg.SSID, cfg.Interface)
	for _, s := range c.steps() {
		if err := ctx.Err(); err != nil {
			return c.rollback(fmt.Errorf("activation cancelled before %s: %w", s.name, err))
		}
		if err := c.bounded(ctx, cfg, s.do); err != nil {
			// The failing step may have partially applied; undo it too
			c.done = append(c.done, s)
			return c.rollback(fmt.Errorf("%s: %w", s.name, err))
		}
		c.done = append(c.done, s)
	}

	if err := c.verify(ctx, cfg.PortalURL()); err != nil {
		return c.rollback(err)
	}

	c.setState(StateRunning)
	log.Printf("Access point %q running on %s", cfg.SSID, cfg.Interface)
	return nil
}

// rollback unwinds a failed activation and always ends in stopped. Undo
// failures are reported and the affected steps are retried by the next
// Activate or Deactivate.
func (c *Controller) rollback(cause error) error {
	log.Printf("Warning: access point activation failed, rolling back: %v", cause)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.UndoTimeout)
	defer cancel()

	result := multierror.Append(nil, cause)
	if err := c.unwind(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("rollback: %w", err))
	}

	c.setState(StateStopped)
	return result.ErrorOrNil()
}

// unwind undoes completed steps in reverse. It stops at the first failure
// so the interface is never handed back upstream while still holding the
// provisioning address; the failed step and those before it stay recorded.
func (c *Controller) unwind(ctx context.Context) error {
	for i := len(c.done) - 1; i >= 0; i-- {
		s := c.done[i]
		if err := c.bounded(ctx, c.cfg, s.undo); err != nil {
			c.done = c.done[:i+1]
			return fmt.Errorf("undo %s: %w", s.name, err)
		}
	}
	c.done = nil
	return nil
}

func (c *Controller) bounded(ctx context.Context, cfg models.APConfig, fn func(context.Context, models.APConfig) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
	defer cancel()
	return fn(ctx, cfg)
}

func (c *Controller) verify(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.VerifyEvery)
	defer ticker.Stop()

	var last error
	for {
		if last = c.opts.Verify(ctx, url); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %v", ErrVerifyTimeout, c.opts.VerifyTimeout, last)
		case <-ticker.C:
		}
	}
}

// Deactivate tears the access point down in reverse order and returns the
// interface to the upstream connection manager. It is a no-op when
// stopped. If some step cannot be undone the controller stays running and
// the next call retries only the outstanding steps.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	prev := c.State()
	if prev == StateStopped && len(c.done) == 0 {
		return nil
	}

	c.setState(StateStopping)
	log.Printf("Deactivating access point on %s", c.cfg.Interface)

	if err := c.unwind(ctx); err != nil {
		if prev != StateStopped {
			prev = StateRunning
		}
		c.setState(prev)
		return fmt.Errorf("deactivate access point: %w", err)
	}

	c.setState(StateStopped)
	log.Printf("Access point on %s stopped", c.cfg.Interface)
	return nil
}

// Check returns an error when the running access point lost one of its
// helper processes. It is always nil unless running.
func (c *Controller) Check() error {
	if c.State() != StateRunning {
		return nil
	}
	return c.backend.CheckRadio()
}

// Cleanup releases leftovers of a previous run that ended without
// deactivating, e.g. after SIGKILL. Only valid while stopped.
func (c *Controller) Cleanup(ctx context.Context, cfg models.APConfig) error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.State() != StateStopped {
		return fmt.Errorf("cannot clean up while %s", c.State())
	}

	var result *multierror.Error
	if err := c.backend.FlushAddress(ctx, cfg); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.backend.AttachUpstream(ctx, cfg.Interface); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func httpVerify(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := http.Client{
		// captive portals redirect, any answer means the server is up
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("portal answered %s", resp.Status)
	}
	return nil
}
