// Package metrics exposes prometheus collectors for the credit ledger.
package metrics

import (
	"context"

	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcredits_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentcredits_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcredits_ledger_operations_total",
			Help: "Ledger operations by outcome",
		},
		[]string{"operation", "credit_type", "status"},
	)

	CreditsMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcredits_credits_moved_total",
			Help: "Credits moved by applied ledger operations",
		},
		[]string{"operation", "credit_type"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcredits_webhook_events_total",
			Help: "Payment webhook deliveries by outcome",
		},
		[]string{"provider", "outcome"},
	)

	SweepWalletsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcredits_sweep_wallets_total",
			Help: "Wallets visited by the free credit sweep",
		},
		[]string{"result"},
	)

	SweepLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcredits_sweep_last_success_timestamp_seconds",
			Help: "Unix time of the last completed sweep",
		},
	)
)

func RecordHTTPRequest(method string, path string, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordWebhookEvent(provider string, outcome string) {
	WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordSweep adds one sweep report. unix is the completion time.
func RecordSweep(report ledger.SweepReport, unix float64) {
	SweepWalletsTotal.WithLabelValues("scanned").Add(float64(report.Scanned))
	SweepWalletsTotal.WithLabelValues("reset").Add(float64(report.Reset))
	SweepWalletsTotal.WithLabelValues("conflict").Add(float64(report.Conflicts))
	SweepLastSuccess.Set(unix)
}

// Recorder counts ledger operations. It satisfies ledger.OperationLogger.
type Recorder struct{}

func (Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	creditType := entry.CreditType.String()
	LedgerOperationsTotal.WithLabelValues(entry.Operation, creditType, entry.Status).Inc()
	if entry.Status == ledger.OperationStatusOK && entry.Amount > 0 {
		CreditsMovedTotal.WithLabelValues(entry.Operation, creditType).Add(float64(entry.Amount.Int64()))
	}
}
