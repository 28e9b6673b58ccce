package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the funding ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       *prometheus.CounterVec
	PublishErrors      *prometheus.CounterVec

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      prometheus.Counter
	EventOutOfOrder       prometheus.Counter

	// --- Funding ---
	FundingRate            *prometheus.GaugeVec
	FundingIndex           *prometheus.GaugeVec
	OpenInterest           *prometheus.GaugeVec
	OpenPositions          *prometheus.GaugeVec
	FundingSettlements     *prometheus.CounterVec
	FundingTotalPaid       *prometheus.CounterVec
	FundingTotalReceived   *prometheus.CounterVec
	FundingPoolResidual    *prometheus.GaugeVec
	FundingClockRegression *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Risk cache ---
	RiskCacheWrites *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_core_events_rejected_total",
			Help: "Events rejected (dedup, ordering, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funding_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funding_ingest_to_apply_seconds",
			Help:    "Ingest receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funding_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_publish_drops_total",
			Help: "Outbound events dropped due to a full publish channel",
		}, []string{"sink"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_publish_errors_total",
			Help: "Outbound publish failures",
		}, []string{"sink"}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_dedup_lru_evictions",
			Help: "LRU evictions since start",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed and were treated as misses",
		}),

		EventSequenceGap: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_event_sequence_gap_total",
			Help: "Owner source sequence gaps (tolerated)",
		}),

		EventOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_event_out_of_order_total",
			Help: "Owner source sequence regressions (rejected)",
		}),

		// Funding
		FundingRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_rate_per_day",
			Help: "Instantaneous funding rate (fraction per day)",
		}, []string{"market_id"}),

		FundingIndex: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_index_cumulative",
			Help: "Stored cumulative funding index",
		}, []string{"market_id"}),

		OpenInterest: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_open_interest",
			Help: "Open interest per side",
		}, []string{"market_id", "side"}),

		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_open_positions",
			Help: "Number of open positions",
		}, []string{"market_id"}),

		FundingSettlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_settlements_total",
			Help: "Positions settled on close",
		}, []string{"market_id", "side"}),

		FundingTotalPaid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_total_paid",
			Help: "Total funding paid by owners (absolute)",
		}, []string{"market_id"}),

		FundingTotalReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_total_received",
			Help: "Total funding received by owners (absolute)",
		}, []string{"market_id"}),

		FundingPoolResidual: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funding_pool_residual",
			Help: "Funding pool balance (long/short mismatch, not absorbed)",
		}, []string{"market_id"}),

		FundingClockRegression: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_clock_regressions_total",
			Help: "Catch-ups with a timestamp behind the index",
		}, []string{"market_id"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "funding_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "funding_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "funding_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Risk cache
		RiskCacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_risk_cache_writes_total",
			Help: "Risk snapshot writes to Redis",
		}, []string{"status"}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funding_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "funding_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
