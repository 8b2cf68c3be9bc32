package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the latency benchmark.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	PendingTxs prometheus.Gauge
	RunStatus  *prometheus.GaugeVec

	// Histograms
	PhaseLatency *prometheus.HistogramVec
	RPCLatency   *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpclatency_transactions_total",
				Help: "Transactions by outcome and submission strategy",
			},
			[]string{"status", "strategy"},
		),

		PendingTxs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rpclatency_pending_transactions",
				Help: "Submitted transactions still awaiting a receipt",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rpclatency_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		PhaseLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpclatency_phase_latency_seconds",
				Help:    "Per-transaction latency by phase (send, confirm, total)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"phase", "strategy"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpclatency_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),
	}
}

// RecordSent records an accepted submission.
func (m *PrometheusMetrics) RecordSent(strategy types.Strategy) {
	m.TxTotal.WithLabelValues("sent", string(strategy)).Inc()
	m.PendingTxs.Inc()
}

// RecordResolved records a terminal LatencyRecord and its phase latencies.
func (m *PrometheusMetrics) RecordResolved(strategy types.Strategy, rec types.LatencyRecord) {
	m.PendingTxs.Dec()

	status := string(rec.Status)
	if rec.Status == types.StatusConfirmed && rec.Receipt == types.ReceiptFailed {
		status = "reverted"
	}
	m.TxTotal.WithLabelValues(status, string(strategy)).Inc()

	s := string(strategy)
	m.PhaseLatency.WithLabelValues("send", s).Observe(rec.Send.Seconds())
	m.PhaseLatency.WithLabelValues("confirm", s).Observe(rec.Confirm.Seconds())
	m.PhaseLatency.WithLabelValues("total", s).Observe(rec.Total.Seconds())
}

// RecordFailed records a transaction that failed before producing a record.
// sent is true when the failure happened after the submission was accepted.
func (m *PrometheusMetrics) RecordFailed(strategy types.Strategy, sent bool) {
	if sent {
		m.PendingTxs.Dec()
	}
	m.TxTotal.WithLabelValues("failed", string(strategy)).Inc()
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":      true,
	"eth_sendRawTransactionSync":  true,
	"realtime_sendRawTransaction": true,
	"eth_getTransactionReceipt":   true,
	"eth_getTransactionCount":     true,
	"eth_blockNumber":             true,
	"eth_chainId":                 true,
	"eth_gasPrice":                true,
	"eth_maxPriorityFeePerGas":    true,
	"eth_estimateGas":             true,
	"batch":                       true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latency time.Duration) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latency.Seconds())
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{types.RunStatusRunning, types.RunStatusCompleted, types.RunStatusError} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}
