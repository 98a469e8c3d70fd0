package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

// Fallback reasons reported in logs and metrics.
const (
	ReasonDisabled  = "disabled"
	ReasonTimeout   = "timeout"
	ReasonCanceled  = "canceled"
	ReasonMalformed = "malformed"
	ReasonError     = "error"
)

// Config holds the configuration for the Analyzer.
type Config struct {
	Logger      *slog.Logger
	Reasoner    Reasoner                 // Optional; nil always uses the risk model
	Metrics     *metrics.PipelineMetrics // Optional
	Calibration risk.Calibration
	Timeout     time.Duration
}

// Input is one reading to assess together with its recent history.
type Input struct {
	Reading telemetry.SensorReading

	// History holds earlier readings of the same node, oldest first.
	History []telemetry.SensorReading
}

// Analyzer selects between the reasoning service and the risk model.
type Analyzer struct {
	logger      *slog.Logger
	reasoner    Reasoner
	metrics     *metrics.PipelineMetrics
	calibration risk.Calibration
	timeout     time.Duration
}

// New validates cfg and creates an Analyzer.
func New(cfg *Config) (*Analyzer, error) {
	if cfg == nil {
		return nil, errors.New("analyzer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Analyzer{
		logger:      cfg.Logger,
		reasoner:    cfg.Reasoner,
		metrics:     cfg.Metrics,
		calibration: cfg.Calibration,
		timeout:     timeout,
	}, nil
}

// Enabled reports whether a reasoning backend is configured.
func (a *Analyzer) Enabled() bool {
	return a.reasoner != nil
}

// Backend returns the reasoning backend name, or "none".
func (a *Analyzer) Backend() string {
	if a.reasoner == nil {
		return "none"
	}
	return a.reasoner.Name()
}

// Calibration returns the calibration used for fallback scoring.
func (a *Analyzer) Calibration() risk.Calibration {
	return a.calibration
}

// Analyze always returns an assessment. Reasoning failures are logged and
// replaced by the risk model result.
func (a *Analyzer) Analyze(ctx context.Context, in Input) risk.Assessment {
	nodeID := in.Reading.NodeID
	ctx, span := tracing.StartStepSpan(ctx, "analyze", nodeID)
	defer span.End()

	start := time.Now()
	estimate := risk.Fallback(in.Reading, in.History, a.calibration)

	resp, err := a.reason(ctx, in, estimate)
	if err != nil {
		reason := fallbackReason(err)
		a.logger.Info("analysis degraded to fallback",
			"node_id", nodeID,
			"backend", a.Backend(),
			"reason", reason,
			"error", err,
		)
		span.SetAttributes(
			attribute.String("flood.analysis_source", string(risk.SourceFallback)),
			attribute.String("flood.fallback_reason", reason),
		)
		a.observe(nodeID, estimate, reason, start)
		return estimate
	}

	level := risk.Classify(resp.Percentage)
	actions := resp.RecommendedActions
	if len(actions) == 0 {
		actions = risk.RecommendedActions(level)
	}
	assessment := risk.Assessment{
		Level:              level,
		Percentage:         resp.Percentage,
		RainIntensity:      resp.RainIntensity,
		WaterStatus:        resp.WaterStatus,
		RecommendedActions: actions,
		Source:             risk.SourceAI,
		Trend:              estimate.Trend,
		Summary:            resp.Summary,
	}

	span.SetAttributes(attribute.String("flood.analysis_source", string(risk.SourceAI)))
	a.observe(nodeID, assessment, "", start)
	a.logger.Debug("analysis completed",
		"node_id", nodeID,
		"backend", a.Backend(),
		"risk_level", level,
		"risk_percentage", resp.Percentage,
	)
	return assessment
}

var errNoReasoner = errors.New("no reasoning backend configured")

func (a *Analyzer) reason(ctx context.Context, in Input, estimate risk.Assessment) (resp *Response, err error) {
	if a.reasoner == nil {
		return nil, errNoReasoner
	}

	ctx, span := tracing.StartClientSpan(ctx, "flood.reasoner", a.reasoner.Name())
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err = a.reasoner.Analyze(ctx, &Request{
		Reading:     in.Reading,
		History:     in.History,
		Calibration: a.calibration,
		Estimate:    estimate,
	})
	if err == nil && resp == nil {
		err = errors.New("reasoner returned no response")
	}
	return resp, err
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, errNoReasoner):
		return ReasonDisabled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrMalformedResponse):
		return ReasonMalformed
	default:
		return ReasonError
	}
}

func (a *Analyzer) observe(nodeID string, as risk.Assessment, reason string, start time.Time) {
	if a.metrics == nil {
		return
	}
	a.metrics.AnalysisTotal.WithLabelValues(string(as.Source), reason).Inc()
	a.metrics.AnalysisDuration.WithLabelValues(string(as.Source)).Observe(time.Since(start).Seconds())
	a.metrics.RiskPercentage.WithLabelValues(nodeID).Set(as.Percentage)
}
