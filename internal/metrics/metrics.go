// Package metrics holds the Prometheus collectors for the polling
// scheduler and bus, grounded on the teacher's escrow.Metrics shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector fieldctl exposes on /metrics.
type Metrics struct {
	ModulesOnline  prometheus.Gauge
	ModulesOffline prometheus.Gauge
	ModulesError   prometheus.Gauge

	RetryTotal       *prometheus.CounterVec
	PortReopenTotal  prometheus.Counter
	BusRoundDuration prometheus.Histogram
	BusRoundTotal    *prometheus.CounterVec

	MovementsTotal *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		ModulesOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fieldctl_modules_online",
			Help: "Number of field modules currently online.",
		}),
		ModulesOffline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fieldctl_modules_offline",
			Help: "Number of field modules currently offline.",
		}),
		ModulesError: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fieldctl_modules_error",
			Help: "Number of field modules currently in the error state.",
		}),
		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldctl_module_retry_total",
			Help: "Total per-module poll retries.",
		}, []string{"module_id"}),
		PortReopenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fieldctl_port_reopen_total",
			Help: "Total number of times the serial link was reopened after the bus error threshold tripped.",
		}),
		BusRoundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldctl_bus_round_duration_seconds",
			Help:    "Duration of one scheduler poll round (write + read).",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
		BusRoundTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldctl_bus_round_total",
			Help: "Total scheduler poll rounds by outcome.",
		}, []string{"outcome"}), // outcome: success, failure
		MovementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldctl_movements_total",
			Help: "Total movements recorded, by module and allow/deny outcome.",
		}, []string{"module_id", "allowed"}),
	}
}

func (m *Metrics) SetModuleCounts(online, offline, errored int) {
	m.ModulesOnline.Set(float64(online))
	m.ModulesOffline.Set(float64(offline))
	m.ModulesError.Set(float64(errored))
}

func (m *Metrics) RecordRetry(moduleID string) {
	m.RetryTotal.WithLabelValues(moduleID).Inc()
}

func (m *Metrics) RecordReopen() {
	m.PortReopenTotal.Inc()
}

func (m *Metrics) RecordBusRound(durationSeconds float64, success bool) {
	m.BusRoundDuration.Observe(durationSeconds)
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.BusRoundTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordMovement(moduleID string, allowed bool) {
	m.MovementsTotal.WithLabelValues(moduleID, boolLabel(allowed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
