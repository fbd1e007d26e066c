package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionDecisions counts slot acquisitions by outcome (allowed/denied/error)
var AdmissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixelverify_admission_decisions_total",
		Help: "Live stream admission decisions by outcome",
	},
	[]string{"outcome"},
)

// ActiveStreams tracks live sessions held by this process by delivery mode
var ActiveStreams = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pixelverify_active_streams",
		Help: "Number of live stream sessions currently open in this process",
	},
	[]string{"mode"},
)

// StreamMessages counts messages written to live clients by type
var StreamMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixelverify_stream_messages_total",
		Help: "Messages delivered to live stream clients",
	},
	[]string{"type", "source"},
)

// PollErrors counts failed poll queries
var PollErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pixelverify_poll_errors_total",
		Help: "Poll queries against the change source that failed",
	},
)

// ReconcileLatency records reconciliation duration
var ReconcileLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "pixelverify_reconcile_duration_seconds",
		Help:    "Latency in seconds of a reconciliation run",
		Buckets: prometheus.DefBuckets,
	},
)

// ReconcileTruncations counts runs where the safe cutoff narrowed the window
var ReconcileTruncations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pixelverify_reconcile_truncated_total",
		Help: "Reconciliation runs whose window was narrowed by the row cap",
	},
)

// DiscrepancyRate holds the last scheduled discrepancy rate per shop
var DiscrepancyRate = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pixelverify_reconcile_discrepancy_rate_percent",
		Help: "Share of orders without a matching pixel receipt in the last scheduled run",
	},
	[]string{"shop_id"},
)

// RelayMessages counts relayed ingestion messages by outcome
var RelayMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pixelverify_relay_messages_total",
		Help: "Pixel receipts relayed from the ingestion topic to live channels",
	},
	[]string{"outcome"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelverify_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixelverify_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(AdmissionDecisions, ActiveStreams, StreamMessages, PollErrors)
	prometheus.MustRegister(ReconcileLatency, ReconcileTruncations, DiscrepancyRate, RelayMessages)
	prometheus.MustRegister(DBOpenConns, DBInUseConns)
}
