package harness

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"idia-astro/go-toolvisor/pkg/rpcerr"
)

// metrics keeps per-server counters. Method labels are only ever registered
// method names, so label cardinality is bounded by the method table.
type metrics struct {
	errorMetrics bool
	registry     *prometheus.Registry

	callsTotal    *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	taxonomyTotal *prometheus.CounterVec

	mu       sync.Mutex
	calls    map[string]int64
	errors   map[string]int64
	errTotal int64
	byCode   map[string]int64
	byDomain map[string]int64
	bySymbol map[string]int64
}

type ErrorStats struct {
	Total    int64            `json:"total"`
	ByCode   map[string]int64 `json:"byCode"`
	ByDomain map[string]int64 `json:"byDomain"`
	BySymbol map[string]int64 `json:"bySymbol"`
}

type CallStats struct {
	Calls  map[string]int64 `json:"calls"`
	Errors map[string]int64 `json:"errors"`
}

func newMetrics(errorMetrics bool) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		errorMetrics: errorMetrics,
		registry:     reg,
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolvisor_rpc_calls_total",
				Help: "Total number of dispatched RPC calls",
			},
			[]string{"method"},
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolvisor_rpc_errors_total",
				Help: "Total number of RPC calls that returned an error",
			},
			[]string{"method"},
		),
		calls:    make(map[string]int64),
		errors:   make(map[string]int64),
		byCode:   make(map[string]int64),
		byDomain: make(map[string]int64),
		bySymbol: make(map[string]int64),
	}
	if errorMetrics {
		m.taxonomyTotal = promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolvisor_rpc_error_taxonomy_total",
				Help: "RPC errors by code, domain and symbol",
			},
			[]string{"code", "domain", "symbol"},
		)
	}
	return m
}

func (m *metrics) recordCall(method string, wire *rpcerr.Wire) {
	m.callsTotal.WithLabelValues(method).Inc()
	if wire != nil {
		m.errorsTotal.WithLabelValues(method).Inc()
	}

	m.mu.Lock()
	m.calls[method]++
	if wire != nil {
		m.errors[method]++
	}
	m.mu.Unlock()

	if wire != nil {
		m.recordTaxonomy(*wire)
	}
}

func (m *metrics) recordTaxonomy(wire rpcerr.Wire) {
	if !m.errorMetrics {
		return
	}
	code := strconv.Itoa(wire.Code)
	domain, _ := wire.Data["domain"].(string)
	symbol, _ := wire.Data["symbol"].(string)
	m.taxonomyTotal.WithLabelValues(code, domain, symbol).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.errTotal++
	m.byCode[code]++
	if domain != "" {
		m.byDomain[domain]++
	}
	if symbol != "" {
		m.bySymbol[symbol]++
	}
}

func (m *metrics) callStats() CallStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CallStats{Calls: copyCounts(m.calls), Errors: copyCounts(m.errors)}
}

func (m *metrics) errorStats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ErrorStats{
		Total:    m.errTotal,
		ByCode:   copyCounts(m.byCode),
		ByDomain: copyCounts(m.byDomain),
		BySymbol: copyCounts(m.bySymbol),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ErrorStats returns the taxonomy counters; all zero unless error metrics are on.
func (s *Server) ErrorStats() ErrorStats { return s.metrics.errorStats() }

func (s *Server) CallStats() CallStats { return s.metrics.callStats() }

// Registry exposes the server's Prometheus registry.
func (s *Server) Registry() *prometheus.Registry { return s.metrics.registry }
