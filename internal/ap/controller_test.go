package ap

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netprov/pkg/models"
)

// fakeBackend models the interface as a set of held resources so tests can
// check that activation and rollback leave nothing behind
type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	held  map[string]bool
	// managed is true while the upstream connection manager owns the link
	managed bool
	radioErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: map[string]error{}, held: map[string]bool{}, managed: true}
}

func (f *fakeBackend) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return err
	}
	return nil
}

func (f *fakeBackend) set(key string, v bool) {
	f.mu.Lock()
	f.held[key] = v
	f.mu.Unlock()
}

func (f *fakeBackend) DetachUpstream(ctx context.Context, iface string) error {
	if err := f.record("detach"); err != nil {
		return err
	}
	f.mu.Lock()
	f.managed = false
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) AttachUpstream(ctx context.Context, iface string) error {
	if err := f.record("attach"); err != nil {
		return err
	}
	f.mu.Lock()
	f.managed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) AssignAddress(ctx context.Context, cfg models.APConfig) error {
	if err := f.record("assign"); err != nil {
		return err
	}
	f.set("address", true)
	return nil
}

func (f *fakeBackend) FlushAddress(ctx context.Context, cfg models.APConfig) error {
	if err := f.record("flush"); err != nil {
		return err
	}
	f.set("address", false)
	return nil
}

func (f *fakeBackend) StartRadio(ctx context.Context, cfg models.APConfig) error {
	if err := f.record("radio-start"); err != nil {
		return err
	}
	f.set("radio", true)
	return nil
}

func (f *fakeBackend) StopRadio(ctx context.Context) error {
	if err := f.record("radio-stop"); err != nil {
		return err
	}
	f.set("radio", false)
	return nil
}

func (f *fakeBackend) StartPortal(ctx context.Context, cfg models.APConfig) error {
	if err := f.record("portal-start"); err != nil {
		return err
	}
	f.set("portal", true)
	return nil
}

func (f *fakeBackend) StopPortal(ctx context.Context) error {
	if err := f.record("portal-stop"); err != nil {
		return err
	}
	f.set("portal", false)
	return nil
}

func (f *fakeBackend) CheckRadio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.radioErr
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// pristine reports whether the interface is back in its pre-activation state
func (f *fakeBackend) pristine() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managed && !f.held["address"] && !f.held["radio"] && !f.held["portal"]
}

func testConfig() models.APConfig {
	_, subnet, _ := net.ParseCIDR("192.168.4.0/24")
	return models.APConfig{
		Interface:  "wlan0",
		SSID:       "pi-setup",
		Channel:    6,
		Subnet:     subnet,
		Gateway:    net.ParseIP("192.168.4.1").To4(),
		DHCPStart:  net.ParseIP("192.168.4.10").To4(),
		DHCPEnd:    net.ParseIP("192.168.4.50").To4(),
		PortalPort: 80,
	}
}

func okVerify(ctx context.Context, url string) error { return nil }

func newTestController(b Backend, verify VerifyFunc) *Controller {
	return NewController(b, Options{
		VerifyTimeout: 100 * time.Millisecond,
		VerifyEvery:   10 * time.Millisecond,
		Verify:        verify,
	})
}

func TestActivateRunsStepsInOrder(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	require.NoError(t, c.Activate(context.Background(), testConfig()))
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.IsActive())
	assert.Equal(t, []string{"detach", "assign", "radio-start", "portal-start"}, b.calls)

	cfg, running := c.Config()
	assert.True(t, running)
	assert.Equal(t, "pi-setup", cfg.SSID)
}

func TestActivateIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	require.NoError(t, c.Activate(context.Background(), testConfig()))
	require.NoError(t, c.Activate(context.Background(), testConfig()))

	assert.Equal(t, 1, b.count("radio-start"), "sub-processes must not be started twice")
	assert.Equal(t, StateRunning, c.State())
}

func TestActivateDeactivateRoundTrip(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	require.NoError(t, c.Activate(context.Background(), testConfig()))
	require.NoError(t, c.Deactivate(context.Background()))

	assert.Equal(t, StateStopped, c.State())
	assert.True(t, b.pristine())
	assert.Equal(t, []string{
		"detach", "assign", "radio-start", "portal-start",
		"portal-stop", "radio-stop", "flush", "attach",
	}, b.calls)
}

func TestDeactivateWhenStoppedIsNoop(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	require.NoError(t, c.Deactivate(context.Background()))
	assert.Empty(t, b.calls)
}

func TestActivateFailureUnwindsCompletedSteps(t *testing.T) {
	b := newFakeBackend()
	b.fail["radio-start"] = errors.New("hostapd: nl80211 driver init failed")
	c := newTestController(b, okVerify)

	err := c.Activate(context.Background(), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nl80211")
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.IsActive())
	assert.True(t, b.pristine())
	assert.Equal(t, 0, b.count("portal-start"))
	assert.Equal(t, 1, b.count("radio-stop"), "partially started radio is stopped")
}

func TestVerifyTimeoutTriggersFullDeactivate(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, func(ctx context.Context, url string) error {
		assert.Equal(t, "http://192.168.4.1/", url)
		return errors.New("connection refused")
	})

	err := c.Activate(context.Background(), testConfig())
	require.ErrorIs(t, err, ErrVerifyTimeout)
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, b.pristine())
	assert.Equal(t, 1, b.count("portal-stop"))
}

func TestVerifyRetriesUntilPortalAnswers(t *testing.T) {
	b := newFakeBackend()
	attempts := 0
	c := newTestController(b, func(ctx context.Context, url string) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, c.Activate(context.Background(), testConfig()))
	assert.Equal(t, 3, attempts)
}

func TestActivateCancelledBetweenSteps(t *testing.T) {
	b := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	b.fail = map[string]error{}
	c := newTestController(&cancellingBackend{fakeBackend: b, cancel: cancel}, okVerify)

	err := c.Activate(ctx, testConfig())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, b.pristine())
	assert.Equal(t, 0, b.count("radio-start"))
}

// cancellingBackend cancels the activation context once the address is set
type cancellingBackend struct {
	*fakeBackend
	cancel context.CancelFunc
}

func (c *cancellingBackend) AssignAddress(ctx context.Context, cfg models.APConfig) error {
	err := c.fakeBackend.AssignAddress(ctx, cfg)
	c.cancel()
	return err
}

func TestActivateRejectsInvalidConfig(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	cfg := testConfig()
	cfg.Channel = 0
	require.Error(t, c.Activate(context.Background(), cfg))
	assert.Empty(t, b.calls)
	assert.Equal(t, StateStopped, c.State())
}

func TestDeactivateFailureIsRetried(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)
	require.NoError(t, c.Activate(context.Background(), testConfig()))

	b.fail["flush"] = errors.New("device busy")
	require.Error(t, c.Deactivate(context.Background()))
	assert.True(t, c.IsActive(), "a failed teardown must not claim stopped")
	assert.Equal(t, StateRunning, c.State())

	delete(b.fail, "flush")
	require.NoError(t, c.Deactivate(context.Background()))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, b.pristine())
	assert.Equal(t, 1, b.count("portal-stop"), "completed undo steps are not repeated")
	assert.Equal(t, 2, b.count("flush"))
}

func TestCleanup(t *testing.T) {
	b := newFakeBackend()
	c := newTestController(b, okVerify)

	require.NoError(t, c.Cleanup(context.Background(), testConfig()))
	assert.Equal(t, []string{"flush", "attach"}, b.calls)
}

func TestFailedRollbackLeavesControllerActive(t *testing.T) {
	b := newFakeBackend()
	b.fail["portal-start"] = errors.New("address in use")
	b.fail["flush"] = errors.New("device busy")
	c := newTestController(b, okVerify)

	require.Error(t, c.Activate(context.Background(), testConfig()))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, c.IsActive(), "the address is still held")

	delete(b.fail, "flush")
	require.NoError(t, c.Deactivate(context.Background()))
	assert.False(t, c.IsActive())
	assert.True(t, b.pristine())
}

// stuckBackend never finishes detaching or stopping the portal on its own
type stuckBackend struct {
	*fakeBackend
	stuck map[string]bool
}

func (s *stuckBackend) DetachUpstream(ctx context.Context, iface string) error {
	if s.stuck["detach"] {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.fakeBackend.DetachUpstream(ctx, iface)
}

func (s *stuckBackend) StopPortal(ctx context.Context) error {
	if s.stuck["portal-stop"] {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.fakeBackend.StopPortal(ctx)
}

func TestHungStepFailsActivation(t *testing.T) {
	b := &stuckBackend{fakeBackend: newFakeBackend(), stuck: map[string]bool{"detach": true}}
	c := NewController(b, Options{StepTimeout: 50 * time.Millisecond, Verify: okVerify})

	done := make(chan error, 1)
	go func() { done <- c.Activate(context.Background(), testConfig()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Activate did not return")
	}
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.IsActive())
	assert.True(t, b.pristine())
}

func TestHungUndoFailsDeactivation(t *testing.T) {
	b := &stuckBackend{fakeBackend: newFakeBackend(), stuck: map[string]bool{}}
	c := NewController(b, Options{StepTimeout: 50 * time.Millisecond, Verify: okVerify})
	require.NoError(t, c.Activate(context.Background(), testConfig()))

	b.stuck["portal-stop"] = true
	err := c.Deactivate(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.IsActive())

	b.stuck["portal-stop"] = false
	require.NoError(t, c.Deactivate(context.Background()))
	assert.True(t, b.pristine())
}

func TestCheckOnlyWhileRunning(t *testing.T) {
	b := newFakeBackend()
	b.radioErr = errors.New("hostapd: process not running")
	c := newTestController(b, okVerify)

	assert.NoError(t, c.Check(), "stopped access point has nothing to check")

	require.NoError(t, c.Activate(context.Background(), testConfig()))
	assert.EqualError(t, c.Check(), "hostapd: process not running")
}
