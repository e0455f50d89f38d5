// Package metrics exposes Prometheus collectors for the instance manager.
package metrics

import (
	"net/http"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "corral"

// Provisioning results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Source provides point-in-time gauges. The instance registry implements it.
type Source interface {
	StateCounts() map[instance.State]int
	Available() map[ports.Kind]int
}

// Metrics holds the collectors, registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	RecoverySkipped   prometheus.Counter
	RefreshErrors     prometheus.Counter
}

// New creates the collectors and registers src for the gauges.
func New(src Source) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if src != nil {
		reg.MustRegister(&sourceCollector{src: src})
	}

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ProvisionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_total",
				Help:      "Completed provisioning attempts by result.",
			},
			[]string{"result"},
		),
		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time from request acceptance to a running or failed instance.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		RecoverySkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_skipped_total",
				Help:      "Containers skipped during startup recovery.",
			},
		),
		RefreshErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_refresh_errors_total",
				Help:      "Container status refreshes that failed and kept the cached status.",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveProvision records one finished provisioning attempt.
func (m *Metrics) ObserveProvision(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultFailure
	if ok {
		result = ResultSuccess
	}
	m.ProvisionTotal.WithLabelValues(result).Inc()
	m.ProvisionDuration.Observe(elapsed.Seconds())
}

// AddRecoverySkipped counts skipped recovery candidates.
func (m *Metrics) AddRecoverySkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecoverySkipped.Add(float64(n))
}

// IncRefreshErrors counts one failed status refresh.
func (m *Metrics) IncRefreshErrors() {
	if m == nil {
		return
	}
	m.RefreshErrors.Inc()
}

var (
	instancesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "instances"),
		"Instances currently registered, by state.",
		[]string{"state"}, nil,
	)
	portsAvailableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "ports_available"),
		"Free host ports, by pool.",
		[]string{"pool"}, nil,
	)
)

// sourceCollector reads gauges from the registry at scrape time.
type sourceCollector struct {
	src Source
}

func (c *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- instancesDesc
	ch <- portsAvailableDesc
}

func (c *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.src.StateCounts() {
		ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(n), string(state))
	}
	for kind, n := range c.src.Available() {
		ch <- prometheus.MustNewConstMetric(portsAvailableDesc, prometheus.GaugeValue, float64(n), kind.String())
	}
}
