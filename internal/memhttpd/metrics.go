package memhttpd

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	connectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memhttpd_connections_accepted_total",
			Help: "Total number of accepted client connections",
		},
	)

	connectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memhttpd_connections_rejected_total",
			Help: "Connections closed right after accept because the connection limit was reached",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memhttpd_connections_active",
			Help: "Number of live client connections",
		},
	)

	// Response metrics
	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhttpd_responses_total",
			Help: "Total responses fully sent, by status code",
		},
		[]string{"status"},
	)

	bodyBytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memhttpd_body_bytes_sent_total",
			Help: "Response body bytes sent, by body source",
		},
		[]string{"source"},
	)

	// Store metrics
	storeUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memhttpd_store_used_bytes",
			Help: "Bytes of file content held in memory",
		},
	)

	storeMaxBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memhttpd_store_max_bytes",
			Help: "Content store byte budget",
		},
	)

	storeFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memhttpd_store_files",
			Help: "Files in the content store, by load state",
		},
		[]string{"state"},
	)

	ledgerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memhttpd_ledger_dropped_total",
			Help: "Ledger records dropped because the writer queue was full",
		},
	)

	ledgerWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memhttpd_ledger_write_errors_total",
			Help: "Ledger records that failed to encode or persist",
		},
	)
)

// MetricsHandler serves the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func recordExchange(ex exchange) {
	responsesTotal.WithLabelValues(strconv.Itoa(ex.Status)).Inc()
	if ex.BodyBytes <= 0 || ex.File == nil {
		return
	}
	bodyBytesSent.WithLabelValues(ex.File.State.String()).Add(float64(ex.BodyBytes))
}

func recordStore(st StoreStats) {
	storeUsedBytes.Set(float64(st.Used))
	storeMaxBytes.Set(float64(st.Max))
	storeFiles.WithLabelValues(RawInMemory.String()).Set(float64(st.Raw))
	storeFiles.WithLabelValues(CompressedInMemory.String()).Set(float64(st.Compressed))
	storeFiles.WithLabelValues(Unloaded.String()).Set(float64(st.Unloaded))
}
