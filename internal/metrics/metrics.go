package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FSMTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_fsm_transitions_total",
			Help: "FSM state transitions.",
		},
		[]string{"peer", "from", "to"},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_state",
			Help: "Current FSM state (0=idle .. 5=established).",
		},
		[]string{"peer"},
	)

	ConnectRetryCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_connect_retry_count",
			Help: "ConnectRetryCounter value per peer.",
		},
		[]string{"peer"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_messages_total",
			Help: "BGP messages by direction and type.",
		},
		[]string{"peer", "direction", "type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_total",
			Help: "NOTIFICATION messages sent, by error code.",
		},
		[]string{"peer", "code"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_decode_errors_total",
			Help: "Codec failures by error code/subcode.",
		},
		[]string{"peer", "code", "subcode"},
	)

	RDEQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_rde_queue_depth",
			Help: "UPDATE messages waiting for the next decision cycle.",
		},
	)

	RDECyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpspeaker_rde_cycles_total",
			Help: "Completed three-phase decision cycles.",
		},
	)

	RDEDecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_rde_decision_duration_seconds",
			Help:    "Decision cycle latency.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	RIBEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_rib_entries",
			Help: "Entries per RIB.",
		},
		[]string{"rib"},
	)

	ExportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_export_events_total",
			Help: "Route events handed to the Kafka exporter.",
		},
		[]string{"action"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_db_write_duration_seconds",
			Help:    "Archive write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_db_rows_affected_total",
			Help: "Archive rows written.",
		},
		[]string{"table", "op"},
	)

	ArchiveDedupConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpspeaker_archive_dedup_conflicts_total",
			Help: "Archive dedup hits (ON CONFLICT DO NOTHING skips).",
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_archive_batch_size",
			Help:    "Batch sizes flushed to the archive.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)
)

func Register() {
	prometheus.MustRegister(
		FSMTransitionsTotal,
		SessionState,
		ConnectRetryCount,
		MessagesTotal,
		NotificationsTotal,
		DecodeErrorsTotal,
		RDEQueueDepth,
		RDECyclesTotal,
		RDEDecisionDuration,
		RIBEntries,
		ExportEventsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		ArchiveDedupConflictsTotal,
		BatchSize,
	)
}
