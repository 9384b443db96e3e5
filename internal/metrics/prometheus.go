// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_forwards_total{route,outcome}
	upstreamForwards *prometheus.CounterVec

	// gateway_payment_mints_total{outcome}
	paymentMints *prometheus.CounterVec

	// gateway_payment_sats_total — sats committed to minted tokens
	paymentSats prometheus.Counter

	// gateway_settlements_total{signal,outcome}
	settlements *prometheus.CounterVec

	// gateway_ledger_appends_total{kind}
	ledgerAppends *prometheus.CounterVec

	// gateway_relay_chunks_total
	relayChunks prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry backed by a private Prometheus registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes payment + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		upstreamForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_forwards_total",
				Help: "Upstream dispatch attempts by outcome (success, network_error)",
			},
			[]string{"route", "outcome"},
		),

		paymentMints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payment_mints_total",
				Help: "Payment token mints by outcome (success, error)",
			},
			[]string{"outcome"},
		),

		paymentSats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_payment_sats_total",
			Help: "Total sats committed to minted payment tokens",
		}),

		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_settlements_total",
				Help: "Settlement signals processed by signal (change_sats, change_token) and outcome",
			},
			[]string{"signal", "outcome"},
		),

		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_appends_total",
				Help: "Ledger rows appended by kind (transaction_incoming, transaction_outgoing, credit)",
			},
			[]string{"kind"},
		),

		relayChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_relay_chunks_total",
			Help: "Body chunks relayed from upstream to callers",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information (constant 1, labeled with version)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamForwards,
		r.paymentMints,
		r.paymentSats,
		r.settlements,
		r.ledgerAppends,
		r.relayChunks,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track concurrent requests.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one completed HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveForward records one upstream dispatch attempt.
func (r *Registry) ObserveForward(route, outcome string) {
	r.upstreamForwards.WithLabelValues(route, outcome).Inc()
}

// RecordMint records a payment mint attempt; sats is counted on success only.
func (r *Registry) RecordMint(outcome string, sats int64) {
	r.paymentMints.WithLabelValues(outcome).Inc()
	if outcome == "success" && sats > 0 {
		r.paymentSats.Add(float64(sats))
	}
}

// RecordSettlement records one settlement signal evaluation.
func (r *Registry) RecordSettlement(signal, outcome string) {
	r.settlements.WithLabelValues(signal, outcome).Inc()
}

// RecordLedgerAppend records a ledger row write.
func (r *Registry) RecordLedgerAppend(kind string) {
	r.ledgerAppends.WithLabelValues(kind).Inc()
}

// AddRelayChunks adds n relayed body chunks.
func (r *Registry) AddRelayChunks(n int) {
	if n > 0 {
		r.relayChunks.Add(float64(n))
	}
}
