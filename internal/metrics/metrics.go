package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LogsDecoded counts successfully decoded logs per chain.
	LogsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_logs_decoded_total",
			Help: "Total number of logs decoded into typed events",
		},
		[]string{"chain"},
	)

	// DecodeFailures counts logs preserved as raw records per failure reason.
	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_decode_failures_total",
			Help: "Total number of logs that failed decoding",
		},
		[]string{"chain", "reason"},
	)

	// NormalizeRejects counts decoded events rejected by shape checks.
	NormalizeRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_normalize_rejects_total",
			Help: "Total number of decoded events that failed validation",
		},
		[]string{"chain", "event"},
	)

	// RecordsIngested counts canonical rows written at ingest time.
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_records_ingested_total",
			Help: "Total number of canonical records written by ingest",
		},
		[]string{"chain", "record_type"},
	)

	// ReorgsDetected counts detected forks per chain.
	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_reorgs_detected_total",
			Help: "Total number of chain reorganizations detected",
		},
		[]string{"chain"},
	)

	// ReorgDepth observes the depth distribution of detected forks.
	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerd_reorg_depth_blocks",
			Help:    "Depth of detected reorganizations in blocks",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
		},
		[]string{"chain"},
	)

	// RowsDemoted counts rows flipped to non-canonical by rollback.
	RowsDemoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_rows_demoted_total",
			Help: "Total number of rows demoted to non-canonical",
		},
		[]string{"chain", "record_type"},
	)

	// RowsRecovered counts rows re-flagged or re-ingested by recovery.
	RowsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_rows_recovered_total",
			Help: "Total number of rows made canonical by recovery",
		},
		[]string{"chain", "record_type"},
	)

	// ReorgHandlingDuration observes the full detect->rollback->recover cycle.
	ReorgHandlingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerd_reorg_handling_seconds",
			Help:    "Duration of reorg handling phases",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "phase"},
	)

	// ChainHeadBlock tracks the provider's latest head per chain.
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerd_chain_head_block",
			Help: "Latest block height observed from the provider",
		},
		[]string{"chain"},
	)

	// LedgerHeadBlock tracks the highest canonical block in the ledger.
	LedgerHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerd_ledger_head_block",
			Help: "Highest canonical block stored in the ledger",
		},
		[]string{"chain"},
	)

	// ManagerState exposes the per-chain reorg manager state as a gauge
	// (one series per state, 1 = current).
	ManagerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerd_reorg_manager_state",
			Help: "Current reorg manager state per chain",
		},
		[]string{"chain", "state"},
	)

	// OperatorAlerts counts alerts that require operator action.
	OperatorAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerd_operator_alerts_total",
			Help: "Total number of operator-visible alerts raised",
		},
		[]string{"chain", "kind"},
	)

	// DBConnectionPoolUsage tracks database pool utilization percentage.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerd_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBBatchSize observes row counts of batched writes.
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerd_db_batch_size",
			Help:    "Number of rows per batched database write",
			Buckets: []float64{1, 10, 50, 100, 500, 1000},
		},
		[]string{"operation"},
	)
)
