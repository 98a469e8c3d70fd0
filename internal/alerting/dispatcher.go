package alerting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/notify"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

// Kind distinguishes alerts raised on ingestion from those raised by the
// periodic historical scan.
type Kind string

const (
	KindRealTime   Kind = "real_time"
	KindPredictive Kind = "predictive"
)

// SuppressReason explains why no alert was sent.
type SuppressReason string

const (
	SuppressCooldown       SuppressReason = "COOLDOWN_ACTIVE"
	SuppressBelowThreshold SuppressReason = "BELOW_THRESHOLD"
)

// Event is the outcome of one alert decision.
type Event struct {
	AttemptedAt      time.Time       `json:"attempted_at"`
	NodeID           string          `json:"node_id"`
	Kind             Kind            `json:"kind"`
	Channel          string          `json:"channel,omitempty"`
	SuppressedReason SuppressReason  `json:"suppressed_reason,omitempty"`
	Error            string          `json:"error,omitempty"`
	Assessment       risk.Assessment `json:"assessment"`
	Sent             bool            `json:"sent"`
}

// Request asks the dispatcher to consider one assessment.
type Request struct {
	Kind       Kind
	Reading    telemetry.SensorReading
	Assessment risk.Assessment
}

// DispatcherConfig holds the configuration for the Dispatcher.
type DispatcherConfig struct {
	Logger   *slog.Logger
	Notifier notify.Notifier
	Gate     *Gate
	Metrics  *metrics.PipelineMetrics // Optional
	Now      func() time.Time

	// Threshold is the minimum risk percentage that may trigger an alert.
	Threshold          float64
	RealTimeCooldown   time.Duration
	PredictiveCooldown time.Duration
	SendTimeout        time.Duration
}

// Dispatcher turns qualifying assessments into notifications.
type Dispatcher struct {
	logger      *slog.Logger
	notifier    notify.Notifier
	gate        *Gate
	metrics     *metrics.PipelineMetrics
	now         func() time.Time
	threshold   float64
	cooldowns   map[Kind]time.Duration
	sendTimeout time.Duration
}

// NewDispatcher validates cfg and creates a Dispatcher.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	if cfg.Gate == nil {
		return nil, errors.New("gate cannot be nil")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, errors.New("alert threshold must be within 0..100")
	}
	if cfg.RealTimeCooldown <= 0 || cfg.PredictiveCooldown <= 0 {
		return nil, errors.New("alert cooldowns must be positive")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	return &Dispatcher{
		logger:    cfg.Logger,
		notifier:  cfg.Notifier,
		gate:      cfg.Gate,
		metrics:   cfg.Metrics,
		now:       now,
		threshold: cfg.Threshold,
		cooldowns: map[Kind]time.Duration{
			KindRealTime:   cfg.RealTimeCooldown,
			KindPredictive: cfg.PredictiveCooldown,
		},
		sendTimeout: sendTimeout,
	}, nil
}

// Channel returns the name of the configured notifier.
func (d *Dispatcher) Channel() string {
	return d.notifier.Name()
}

// Threshold returns the configured alert threshold percentage.
func (d *Dispatcher) Threshold() float64 {
	return d.threshold
}

// Qualifies reports whether an assessment is severe enough to alert on.
func (d *Dispatcher) Qualifies(a risk.Assessment) bool {
	return a.Level.Severe() && a.Percentage >= d.threshold
}

// Dispatch evaluates the request and sends at most one notification.
// Delivery problems are reported in the returned Event, never as a panic or error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Event {
	nodeID := req.Reading.NodeID
	ev := Event{
		AttemptedAt: d.now(),
		NodeID:      nodeID,
		Kind:        req.Kind,
		Assessment:  req.Assessment,
	}

	if !d.Qualifies(req.Assessment) {
		ev.SuppressedReason = SuppressBelowThreshold
		d.record(ev, "below_threshold")
		return ev
	}

	lease, ok := d.gate.Acquire(nodeID, ev.AttemptedAt, d.cooldowns[req.Kind])
	if !ok {
		ev.SuppressedReason = SuppressCooldown
		d.record(ev, "cooldown_active")
		d.logger.Info("alert suppressed by cooldown", "node_id", nodeID, "kind", req.Kind)
		return ev
	}

	ev.Channel = d.notifier.Name()
	msg := Format(req.Kind, req.Reading, req.Assessment, ev.AttemptedAt)
	if err := d.send(ctx, msg); err != nil {
		lease.Release()
		ev.Error = err.Error()
		d.record(ev, "failed")
		d.logger.Warn("alert delivery failed",
			"node_id", nodeID,
			"kind", req.Kind,
			"channel", ev.Channel,
			"error", err,
		)
		return ev
	}

	lease.Commit(d.now())
	ev.Sent = true
	d.record(ev, "sent")
	d.logger.Info("alert sent",
		"node_id", nodeID,
		"kind", req.Kind,
		"channel", ev.Channel,
		"risk_level", req.Assessment.Level,
		"risk_percentage", req.Assessment.Percentage,
	)
	return ev
}

// SendTest delivers a test message through the configured channel, bypassing the gate.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	now := d.now()
	r := telemetry.SensorReading{NodeID: "TEST", Location: "Test Location", UltrasonicValue: 85, PiezoValue: 900, RainSensorValue: 80, Timestamp: now}
	a := risk.Assessment{
		Level:              risk.LevelHigh,
		Percentage:         70,
		RainIntensity:      risk.RainHeavy,
		WaterStatus:        risk.WaterDanger,
		Source:             risk.SourceFallback,
		Summary:            "This is a test alert. No action is required.",
		RecommendedActions: []string{"Verify that this message reached the alert channel"},
	}
	msg := Format(KindRealTime, r, a, now)
	msg.Title = "TEST ALERT"
	msg.HTML = "🧪 <b>TEST ALERT</b>\n\n" + msg.HTML
	return d.send(ctx, msg)
}

func (d *Dispatcher) send(ctx context.Context, msg notify.Message) (err error) {
	ctx, span := tracing.StartClientSpan(ctx, "flood.notify", d.notifier.Name())
	defer func() { tracing.EndSpan(span, err) }()

	if d.metrics != nil {
		timer := prometheus.NewTimer(d.metrics.NotifyDuration.WithLabelValues(d.notifier.Name()))
		defer timer.ObserveDuration()
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return d.notifier.Send(ctx, msg)
}

func (d *Dispatcher) record(ev Event, outcome string) {
	if d.metrics != nil {
		d.metrics.AlertsTotal.WithLabelValues(string(ev.Kind), outcome).Inc()
	}
}
