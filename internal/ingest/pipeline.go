// Package ingest runs one sensor reading through persistence, node state,
// risk analysis and alerting.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

// Transports label where a reading came from.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

type transportKey struct{}

// WithTransport tags ctx with the transport that delivered the reading.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "direct"
}

// Result is the outcome of a completed ingestion.
type Result struct {
	Reading    telemetry.SensorReading `json:"reading"`
	Alert      alerting.Event          `json:"alert"`
	Assessment risk.Assessment         `json:"assessment"`
	Status     Status                  `json:"status"`
	RecordID   string                  `json:"record_id"`
	Liveness   nodestate.Liveness      `json:"liveness"`
}

// Observer is notified after every completed ingestion.
// It runs on the ingesting goroutine and must not block.
type Observer func(Result)

// Config holds the configuration for the Pipeline.
type Config struct {
	Logger     *slog.Logger
	Store      store.Store
	States     *nodestate.Store
	Analyzer   *analyzer.Analyzer
	Dispatcher *alerting.Dispatcher
	Metrics    *metrics.PipelineMetrics // Optional
	Now        func() time.Time

	PersistTimeout time.Duration
	HistoryLimit   int
}

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	logger     *slog.Logger
	store      store.Store
	states     *nodestate.Store
	analyzer   *analyzer.Analyzer
	dispatcher *alerting.Dispatcher
	metrics    *metrics.PipelineMetrics
	now        func() time.Time
	locks      *keyedMutex

	persistTimeout time.Duration
	historyLimit   int

	mu        sync.RWMutex
	observers []Observer
}

// New validates cfg and creates a Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("record store cannot be nil")
	}
	if cfg.States == nil {
		return nil, errors.New("node state store cannot be nil")
	}
	if cfg.Analyzer == nil {
		return nil, errors.New("analyzer cannot be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}

	return &Pipeline{
		logger:         cfg.Logger,
		store:          cfg.Store,
		states:         cfg.States,
		analyzer:       cfg.Analyzer,
		dispatcher:     cfg.Dispatcher,
		metrics:        cfg.Metrics,
		now:            now,
		locks:          newKeyedMutex(),
		persistTimeout: persistTimeout,
		historyLimit:   historyLimit,
	}, nil
}

// Observe registers fn to receive every completed Result.
func (p *Pipeline) Observe(fn Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Ingest runs one reading through the pipeline. Readings of the same node are
// processed one at a time; different nodes proceed concurrently.
//
// A *telemetry.ValidationError means nothing was stored. A *PersistenceError
// means the record store failed and no state was changed. Analysis and alert
// delivery problems never fail an ingestion.
func (p *Pipeline) Ingest(ctx context.Context, r telemetry.SensorReading) (res *Result, err error) {
	// Node ids key state, locks and cooldowns; surrounding blanks must not split a node.
	r.NodeID = strings.TrimSpace(r.NodeID)
	transport := transportFrom(ctx)
	start := time.Now()
	ctx, span := tracing.StartIngestSpan(ctx, r.NodeID, transport)
	defer func() {
		tracing.EndSpan(span, err)
		p.observe(transport, StatusOf(err), start)
	}()

	if err := telemetry.Validate(r); err != nil {
		p.logger.Info("reading rejected", "node_id", r.NodeID, "transport", transport, "error", err)
		return nil, err
	}

	res, err = p.process(ctx, r)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(*res)
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, r telemetry.SensorReading) (*Result, error) {
	unlock := p.locks.Lock(r.NodeID)
	defer unlock()

	// Read the clock under the node lock so last_seen_at never moves backwards.
	now := p.now()
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()

	recordID, err := p.persist(ctx, r)
	if err != nil {
		p.logger.Error("failed to persist reading", "node_id", r.NodeID, "error", err)
		return nil, &PersistenceError{NodeID: r.NodeID, Err: err}
	}

	p.states.Update(r.NodeID, r, now)

	history := p.history(ctx, r, recordID)
	assessment := p.analyzer.Analyze(ctx, analyzer.Input{Reading: r, History: history})

	// Delivery must not be abandoned with the caller.
	alert := p.dispatcher.Dispatch(context.WithoutCancel(ctx), alerting.Request{
		Kind:       alerting.KindRealTime,
		Reading:    r,
		Assessment: assessment,
	})

	res := &Result{
		Status:     StatusCompleted,
		RecordID:   recordID,
		Reading:    r,
		Assessment: assessment,
		Alert:      alert,
		Liveness:   nodestate.Online,
	}
	if snap, ok := p.states.Get(r.NodeID, p.now()); ok {
		res.Liveness = snap.Liveness
	}

	p.logger.Info("reading processed",
		"node_id", r.NodeID,
		"record_id", recordID,
		"risk_level", assessment.Level,
		"risk_percentage", assessment.Percentage,
		"analysis_source", assessment.Source,
		"alert_sent", alert.Sent,
		"alert_suppressed", alert.SuppressedReason,
	)
	return res, nil
}

// persist survives caller cancellation so that a disconnect cannot leave the
// store and the node state disagreeing.
func (p *Pipeline) persist(ctx context.Context, r telemetry.SensorReading) (id string, err error) {
	ctx, span := tracing.StartStepSpan(context.WithoutCancel(ctx), "persist", r.NodeID)
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()
	return p.store.Append(ctx, r)
}

// history loads up to historyLimit earlier readings of the node, oldest first.
func (p *Pipeline) history(ctx context.Context, r telemetry.SensorReading, recordID string) []telemetry.SensorReading {
	ctx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()

	recs, err := p.store.Query(ctx, store.Query{
		NodeID: r.NodeID,
		Until:  r.Timestamp,
		Limit:  p.historyLimit + 1,
	})
	if err != nil {
		p.logger.Warn("failed to load history, analysing without it", "node_id", r.NodeID, "error", err)
		return nil
	}

	out := make([]telemetry.SensorReading, 0, len(recs))
	for _, rec := range recs {
		if rec.ID != recordID {
			out = append(out, rec.SensorReading)
		}
	}
	if len(out) > p.historyLimit {
		out = out[len(out)-p.historyLimit:]
	}
	return out
}

func (p *Pipeline) observe(transport string, status Status, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.IngestTotal.WithLabelValues(transport, strings.ToLower(string(status))).Inc()
	p.metrics.IngestDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}
