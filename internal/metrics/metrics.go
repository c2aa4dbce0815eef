// Package metrics exposes supervisor and access point activity to
// Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netprov/pkg/models"
)

var allStates = []models.NetworkState{
	models.StateDisconnected,
	models.StateEthernetConnected,
	models.StateWifiConnected,
	models.StateProvisioningActive,
}

// Collector bundles the daemon's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	State           *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec
	APOperations    *prometheus.CounterVec
	ProbeDuration   *prometheus.HistogramVec
	ConnectAttempts *prometheus.CounterVec
	Degraded        prometheus.Gauge
}

// New registers the collectors against reg, defaulting to the global
// registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	state, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netprov_state",
		Help: "1 for the current network state, 0 otherwise.",
	}, []string{"state"}), "netprov_state")
	if err != nil {
		return nil, err
	}

	transitions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_transitions_total",
		Help: "Committed state transitions, labeled by source and target state.",
	}, []string{"from", "to"}), "netprov_transitions_total")
	if err != nil {
		return nil, err
	}

	apOps, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_ap_operations_total",
		Help: "Access point activations and deactivations, labeled by result.",
	}, []string{"operation", "result"}), "netprov_ap_operations_total")
	if err != nil {
		return nil, err
	}

	probes, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netprov_probe_duration_seconds",
		Help:    "Link probe latency in seconds, labeled by interface class and usability.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"class", "usable"}), "netprov_probe_duration_seconds")
	if err != nil {
		return nil, err
	}

	connects, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_connect_attempts_total",
		Help: "Upstream WiFi connection attempts made through the portal, labeled by result.",
	}, []string{"result"}), "netprov_connect_attempts_total")
	if err != nil {
		return nil, err
	}

	degraded, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netprov_degraded",
		Help: "1 while access point operations keep failing and retries are backed off.",
	}), "netprov_degraded")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		State:           state,
		Transitions:     transitions,
		APOperations:    apOps,
		ProbeDuration:   probes,
		ConnectAttempts: connects,
		Degraded:        degraded,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetState marks s as the current state
func (c *Collector) SetState(s models.NetworkState) {
	if c == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		c.State.WithLabelValues(string(st)).Set(v)
	}
}

// ObserveTransition counts a committed transition
func (c *Collector) ObserveTransition(from, to models.NetworkState) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(string(from), string(to)).Inc()
	c.SetState(to)
}

// ObserveAPOperation counts an activate/deactivate outcome
func (c *Collector) ObserveAPOperation(op string, err error) {
	if c == nil {
		return
	}
	c.APOperations.WithLabelValues(op, result(err)).Inc()
}

// ObserveProbe records how long a probe took
func (c *Collector) ObserveProbe(class models.InterfaceClass, usable bool, d time.Duration) {
	if c == nil {
		return
	}
	c.ProbeDuration.WithLabelValues(string(class), fmt.Sprint(usable)).Observe(d.Seconds())
}

// ObserveConnect counts an upstream connection attempt
func (c *Collector) ObserveConnect(success bool) {
	if c == nil {
		return
	}
	if success {
		c.ConnectAttempts.WithLabelValues("success").Inc()
		return
	}
	c.ConnectAttempts.WithLabelValues("failure").Inc()
}

// SetDegraded reflects the degraded flag
func (c *Collector) SetDegraded(degraded bool) {
	if c == nil {
		return
	}
	if degraded {
		c.Degraded.Set(1)
		return
	}
	c.Degraded.Set(0)
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
