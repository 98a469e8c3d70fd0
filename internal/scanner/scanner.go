// Package scanner periodically re-analyses recent history of every node and
// raises predictive alerts.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/tracing"
)

// Config holds the configuration for the Scanner.
type Config struct {
	Logger     *slog.Logger
	Store      store.Store
	Analyzer   *analyzer.Analyzer
	Dispatcher *alerting.Dispatcher
	Metrics    *metrics.PipelineMetrics // Optional
	Now        func() time.Time

	// Schedule is a standard cron expression or descriptor such as "@every 30m".
	Schedule  string
	Lookback  time.Duration
	MinPoints int
	MaxPoints int
}

// Report summarises one scan.
type Report struct {
	StartedAt time.Time        `json:"started_at"`
	Events    []alerting.Event `json:"events"`
	Nodes     int              `json:"nodes"`
	Analyzed  int              `json:"analyzed"`
	Sent      int              `json:"sent"`
}

// Scanner runs the historical scan on a cron schedule.
type Scanner struct {
	logger     *slog.Logger
	store      store.Store
	analyzer   *analyzer.Analyzer
	dispatcher *alerting.Dispatcher
	metrics    *metrics.PipelineMetrics
	now        func() time.Time

	schedule  string
	lookback  time.Duration
	minPoints int
	maxPoints int

	mu   sync.Mutex
	cron *cron.Cron
}

// New validates cfg and creates a Scanner.
func New(cfg *Config) (*Scanner, error) {
	if cfg == nil {
		return nil, errors.New("scanner config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil || cfg.Analyzer == nil || cfg.Dispatcher == nil {
		return nil, errors.New("store, analyzer and dispatcher are required")
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 30m"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}
	minPoints := cfg.MinPoints
	if minPoints <= 0 {
		minPoints = 5
	}
	maxPoints := cfg.MaxPoints
	if maxPoints < minPoints {
		maxPoints = max(50, minPoints)
	}

	return &Scanner{
		logger:     cfg.Logger,
		store:      cfg.Store,
		analyzer:   cfg.Analyzer,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		now:        now,
		schedule:   schedule,
		lookback:   lookback,
		minPoints:  minPoints,
		maxPoints:  maxPoints,
	}, nil
}

// Run schedules scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("historical scanner started", "schedule", s.schedule, "lookback", s.lookback)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("historical scanner stopped")
	return nil
}

// NextRun returns the next scheduled scan, or zero when not running.
func (s *Scanner) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce scans every node with stored history.
func (s *Scanner) RunOnce(ctx context.Context) Report {
	ctx, span := tracing.StartStepSpan(ctx, "scan", "")
	defer span.End()

	report := Report{StartedAt: s.now().UTC()}
	latest, err := s.store.Latest(ctx)
	if err != nil {
		s.logger.Error("historical scan could not list nodes", "error", err)
		s.count("error")
		return report
	}

	report.Nodes = len(latest)
	for _, rec := range latest {
		if ctx.Err() != nil {
			break
		}
		ev, analyzed, err := s.scanNode(ctx, rec.NodeID, report.StartedAt)
		if err != nil {
			s.logger.Warn("historical scan failed for node", "node_id", rec.NodeID, "error", err)
			continue
		}
		if !analyzed {
			continue
		}
		report.Analyzed++
		report.Events = append(report.Events, ev)
		if ev.Sent {
			report.Sent++
		}
	}

	s.count("success")
	if s.metrics != nil {
		s.metrics.ScannerNodesTotal.Add(float64(report.Analyzed))
	}
	s.logger.Info("historical scan completed",
		"nodes", report.Nodes,
		"analyzed", report.Analyzed,
		"alerts_sent", report.Sent,
	)
	return report
}

func (s *Scanner) scanNode(ctx context.Context, nodeID string, now time.Time) (alerting.Event, bool, error) {
	recs, err := s.store.Query(ctx, store.Query{
		NodeID: nodeID,
		Since:  now.Add(-s.lookback),
		Until:  now,
		Limit:  s.maxPoints,
	})
	if err != nil {
		return alerting.Event{}, false, err
	}
	if len(recs) < s.minPoints {
		return alerting.Event{}, false, nil
	}

	in := analyzer.Input{
		Reading: recs[len(recs)-1].SensorReading,
		History: make([]telemetry.SensorReading, 0, len(recs)-1),
	}
	for _, r := range recs[:len(recs)-1] {
		in.History = append(in.History, r.SensorReading)
	}

	assessment := s.analyzer.Analyze(ctx, in)
	ev := s.dispatcher.Dispatch(context.WithoutCancel(ctx), alerting.Request{
		Kind:       alerting.KindPredictive,
		Reading:    in.Reading,
		Assessment: assessment,
	})
	return ev, true, nil
}

func (s *Scanner) count(status string) {
	if s.metrics != nil {
		s.metrics.ScannerRunsTotal.WithLabelValues(status).Inc()
	}
}
