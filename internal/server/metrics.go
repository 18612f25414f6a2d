package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cctprelay/internal/cctp"
	"cctprelay/internal/relay"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	relayRequestsTotal *prometheus.CounterVec
	relaysTotal        *prometheus.CounterVec
	relayDuration      *prometheus.HistogramVec
	attestationPolls   *prometheus.CounterVec
	mintSubmissions    *prometheus.CounterVec
	inFlight           prometheus.Gauge
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cctprelay_relay_requests_total",
		Help: "Relay requests by how they were handled",
	}, []string{"result"})

	relays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cctprelay_relays_total",
		Help: "Finished relays by terminal state",
	}, []string{"state"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cctprelay_relay_duration_seconds",
		Help:    "Wall time from acceptance to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"state"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cctprelay_attestation_polls_total",
		Help: "Attestation service calls by classified status",
	}, []string{"version", "status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cctprelay_mint_submissions_total",
		Help: "receiveMessage submissions by result",
	}, []string{"destination", "result"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctprelay_relays_in_flight",
		Help: "Relays currently running",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cctprelay_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, relays, duration, polls, mints, inFlight, dlq)

	return &metricsRegistry{
		registry:           r,
		relayRequestsTotal: requests,
		relaysTotal:        relays,
		relayDuration:      duration,
		attestationPolls:   polls,
		mintSubmissions:    mints,
		inFlight:           inFlight,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(result string) {
	m.relayRequestsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeRelay(state relay.State, seconds float64) {
	m.relaysTotal.WithLabelValues(string(state)).Inc()
	m.relayDuration.WithLabelValues(string(state)).Observe(seconds)
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}

// countedAttestations records the classified status of every attestation fetch.
type countedAttestations struct {
	next    relay.AttestationAccess
	metrics *metricsRegistry
}

func (c countedAttestations) Fetch(ctx context.Context, query cctp.AttestationQuery) (cctp.AttestationResponse, error) {
	resp, err := c.next.Fetch(ctx, query)
	status := "error"
	var rateLimited *cctp.RateLimitError
	switch {
	case err == nil:
		status = cctp.Classify(query.Version, resp).Status.String()
	case errors.As(err, &rateLimited):
		status = "rate_limited"
	}
	c.metrics.attestationPolls.WithLabelValues(query.Version.String(), status).Inc()
	return resp, err
}

// countedChain records the result of every mint submission on a destination chain.
type countedChain struct {
	relay.BlockchainAccess
	domain  cctp.Domain
	metrics *metricsRegistry
}

func (c countedChain) ReceiveMessage(ctx context.Context, message, attestation []byte) (common.Hash, error) {
	tx, err := c.BlockchainAccess.ReceiveMessage(ctx, message, attestation)
	result := "minted"
	switch {
	case err == nil:
	case cctp.IsAlreadyRelayed(err):
		result = "already_relayed"
	default:
		result = "reverted"
	}
	c.metrics.mintSubmissions.WithLabelValues(c.domain.String(), result).Inc()
	return tx, err
}
