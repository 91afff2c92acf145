// Package metrics holds the Prometheus collectors shared by the ledger, the
// keeper and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tranche-ledger/internal/fault"
)

const namespace = "tranche"

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	apiOnce sync.Once
	apiReg  *APIMetrics
)

// LedgerMetrics covers ledger operations and the state they leave behind.
type LedgerMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	backingRatio prometheus.Gauge
	index        prometheus.Gauge
	supply       prometheus.Gauge
	epoch        prometheus.Gauge
	zone         *prometheus.GaugeVec
	values       *prometheus.GaugeVec
	shortfalls   prometheus.Counter
	transfers    *prometheus.CounterVec
}

// Ledger returns the lazily registered ledger collectors.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Rejected ledger operations segmented by operation and failure class.",
			}, []string{"operation", "class"}),
			backingRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "backing_ratio",
				Help:      "Senior collateral value divided by claim supply.",
			}),
			index: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "index",
				Help:      "Current (or frozen) rebasing index.",
			}),
			supply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "total_supply",
				Help:      "Senior claim supply in unit of account.",
			}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "epoch",
				Help:      "Number of completed rebases.",
			}),
			zone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "zone",
				Help:      "1 for the zone the last rebase classified, 0 otherwise.",
			}, []string{"zone"}),
			values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tranche",
				Name:      "value",
				Help:      "Collateral value held by each tranche.",
			}, []string{"tranche"}),
			shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "senior",
				Name:      "backstop_shortfalls_total",
				Help:      "Rebases whose backstop draw left Senior below the restore target.",
			}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "zone",
				Name:      "transferred_total",
				Help:      "Value moved between tranches by spillover and backstop, in unit of account.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			ledgerReg.requests,
			ledgerReg.latency,
			ledgerReg.errors,
			ledgerReg.backingRatio,
			ledgerReg.index,
			ledgerReg.supply,
			ledgerReg.epoch,
			ledgerReg.zone,
			ledgerReg.values,
			ledgerReg.shortfalls,
			ledgerReg.transfers,
		)
	})
	return ledgerReg
}

// Observe records one ledger operation. Failures are labelled with their
// fault class so "retry later" and "never valid" can be told apart.
func (m *LedgerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, fault.ClassOf(err).String()).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// Snapshot is the gauge payload published after a state change.
type Snapshot struct {
	BackingRatio float64
	Index        float64
	Supply       float64
	Epoch        uint64
	Zone         string
	Values       map[string]float64
}

// Publish updates every state gauge.
func (m *LedgerMetrics) Publish(s Snapshot) {
	if m == nil {
		return
	}
	m.backingRatio.Set(s.BackingRatio)
	m.index.Set(s.Index)
	m.supply.Set(s.Supply)
	m.epoch.Set(float64(s.Epoch))
	if s.Zone != "" {
		for _, z := range []string{"healthy", "spillover", "backstop"} {
			v := 0.0
			if z == s.Zone {
				v = 1
			}
			m.zone.WithLabelValues(z).Set(v)
		}
	}
	for tranche, v := range s.Values {
		m.values.WithLabelValues(tranche).Set(v)
	}
}

// RecordTransfer adds a spillover or backstop amount.
func (m *LedgerMetrics) RecordTransfer(direction string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.transfers.WithLabelValues(direction).Add(amount)
}

// RecordShortfall counts a partially restored backstop.
func (m *LedgerMetrics) RecordShortfall() {
	if m == nil {
		return
	}
	m.shortfalls.Inc()
}

// APIMetrics covers the HTTP surface.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// API returns the lazily registered HTTP collectors.
func API() *APIMetrics {
	apiOnce.Do(func() {
		apiReg = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(apiReg.requests, apiReg.latency, apiReg.throttles)
	})
	return apiReg
}

// Observe records one HTTP request.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request.
func (m *APIMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
