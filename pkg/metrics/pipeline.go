package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers ingestion, analysis, alerting and persistence.
type PipelineMetrics struct {
	IngestTotal       *prometheus.CounterVec
	IngestDuration    *prometheus.HistogramVec
	AnalysisTotal     *prometheus.CounterVec
	AnalysisDuration  *prometheus.HistogramVec
	RiskPercentage    *prometheus.GaugeVec
	AlertsTotal       *prometheus.CounterVec
	NotifyDuration    *prometheus.HistogramVec
	NodesByLiveness   *prometheus.GaugeVec
	StoreOperations   *prometheus.CounterVec
	StoreDuration     *prometheus.HistogramVec
	ScannerRunsTotal  *prometheus.CounterVec
	ScannerNodesTotal prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		IngestTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of submitted readings by terminal state",
			},
			[]string{"transport", "status"}, // status: completed, rejected, failed
		)),
		IngestDuration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "End-to-end duration of reading ingestion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		)),
		AnalysisTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "assessments_total",
				Help:      "Total number of assessments by source",
			},
			[]string{"source", "reason"}, // reason is empty for AI results
		)),
		AnalysisDuration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "duration_seconds",
				Help:      "Duration of risk analysis including the reasoning call",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		)),
		RiskPercentage: register(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "analysis",
				Name:      "risk_percentage",
				Help:      "Most recent risk percentage per node",
			},
			[]string{"node_id"},
		)),
		AlertsTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "decisions_total",
				Help:      "Alert decisions by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: sent, failed, cooldown_active, below_threshold
		)),
		NotifyDuration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "notify_duration_seconds",
				Help:      "Duration of notification channel sends",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		)),
		NodesByLiveness: register(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nodes",
				Name:      "count",
				Help:      "Known nodes by liveness",
			},
			[]string{"liveness"},
		)),
		StoreOperations: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Record store operations",
			},
			[]string{"backend", "operation", "status"},
		)),
		StoreDuration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of record store operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		)),
		ScannerRunsTotal: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scanner",
				Name:      "runs_total",
				Help:      "Historical scans by status",
			},
			[]string{"status"},
		)),
		ScannerNodesTotal: register(prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scanner",
				Name:      "nodes_analyzed_total",
				Help:      "Nodes with enough history to be analysed by the scanner",
			},
		)),
	}
}
