package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/scanner"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

const (
	maxBodyBytes = 64 << 10

	// predictLookback and predictPoints bound the history used by /api/predict.
	predictLookback = 72 * time.Hour
	predictPoints   = 50
	recentPoints    = 10
)

// APIConfig holds the dependencies of the HTTP API.
type APIConfig struct {
	Logger     *slog.Logger
	Ingester   Ingester
	Store      store.Store
	States     *nodestate.Store
	Analyzer   *analyzer.Analyzer
	Dispatcher *alerting.Dispatcher
	Scanner    *scanner.Scanner     // Optional; enables POST /api/scan
	Live       http.Handler         // Optional; served at /ws
	Metrics    *metrics.HTTPMetrics // Optional
	Now        func() time.Time
	Version    string
}

// API serves the ingestion and dashboard endpoints.
type API struct {
	logger     *slog.Logger
	ingester   Ingester
	store      store.Store
	states     *nodestate.Store
	analyzer   *analyzer.Analyzer
	dispatcher *alerting.Dispatcher
	scanner    *scanner.Scanner
	live       http.Handler
	metrics    *metrics.HTTPMetrics
	now        func() time.Time
	version    string

	mu          sync.RWMutex
	assessments map[string]risk.Assessment
}

// NewAPI validates cfg and creates an API.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}
	if cfg.Store == nil || cfg.States == nil {
		return nil, errors.New("record store and node state store are required")
	}
	if cfg.Analyzer == nil || cfg.Dispatcher == nil {
		return nil, errors.New("analyzer and dispatcher are required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &API{
		logger:      cfg.Logger.With("component", "http"),
		ingester:    cfg.Ingester,
		store:       cfg.Store,
		states:      cfg.States,
		analyzer:    cfg.Analyzer,
		dispatcher:  cfg.Dispatcher,
		scanner:     cfg.Scanner,
		live:        cfg.Live,
		metrics:     cfg.Metrics,
		now:         now,
		version:     cfg.Version,
		assessments: make(map[string]risk.Assessment),
	}, nil
}

// Observe remembers the latest assessment of a node. It is registered as a
// pipeline observer.
func (a *API) Observe(res ingest.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assessments[res.Reading.NodeID] = res.Assessment
}

func (a *API) assessmentFor(snap nodestate.Snapshot) risk.Assessment {
	a.mu.RLock()
	as, ok := a.assessments[snap.NodeID]
	a.mu.RUnlock()
	if ok {
		return as
	}
	return risk.Fallback(snap.LastReading, nil, a.analyzer.Calibration())
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.instrument)

	r.Get("/", a.handleHealth)
	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	if a.live != nil {
		r.Handle("/ws", a.live)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sensor-data", a.handleSensorData)
		r.Post("/predict", a.handlePredict)
		r.Post("/test-alert", a.handleTestAlert)
		r.Get("/history", a.handleHistory)
		r.Get("/stats", a.handleStats)
		r.Get("/nodes", a.handleNodes)
		r.Get("/nodes/{id}", a.handleNode)
		r.Get("/status/{id}", a.handleNode)
		if a.scanner != nil {
			r.Post("/scan", a.handleScan)
		}
	})

	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) instrument(next http.Handler) http.Handler {
	if a.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.metrics.RequestsInFlight.Inc()
		defer a.metrics.RequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type errorResponse struct {
	Error   string        `json:"error"`
	Status  ingest.Status `json:"status,omitempty"`
	Success bool          `json:"success"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

type sensorDataResponse struct {
	Timestamp      time.Time          `json:"timestamp"`
	Message        string             `json:"message"`
	RecordID       string             `json:"record_id"`
	RiskLevel      risk.Level         `json:"risk_level"`
	Liveness       nodestate.Liveness `json:"liveness"`
	Status         ingest.Status      `json:"status"`
	Alert          alerting.Event     `json:"alert"`
	Assessment     risk.Assessment    `json:"assessment"`
	RiskPercentage float64            `json:"risk_percentage"`
	Success        bool               `json:"success"`
	AlertTriggered bool               `json:"alert_triggered"`
}

func (a *API) handleSensorData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	reading, err := telemetry.Decode(body)
	if err != nil {
		a.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Status: ingest.StatusRejected})
		return
	}

	res, err := a.ingester.Ingest(ingest.WithTransport(r.Context(), ingest.TransportHTTP), reading)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case telemetry.IsValidationError(err):
			status = http.StatusUnprocessableEntity
		case ingest.IsPersistenceError(err):
			status = http.StatusServiceUnavailable
		}
		a.writeJSON(w, status, errorResponse{Error: err.Error(), Status: ingest.StatusOf(err)})
		return
	}

	msg := fmt.Sprintf("Data stored. Risk: %s (%.1f%%)", res.Assessment.Level, res.Assessment.Percentage)
	if res.Alert.Sent {
		msg += " - Alert sent!"
	}

	a.writeJSON(w, http.StatusOK, sensorDataResponse{
		Success:        true,
		Message:        msg,
		Status:         res.Status,
		RecordID:       res.RecordID,
		Timestamp:      res.Reading.Timestamp,
		RiskLevel:      res.Assessment.Level,
		RiskPercentage: res.Assessment.Percentage,
		AlertTriggered: res.Alert.Sent,
		Assessment:     res.Assessment,
		Alert:          res.Alert,
		Liveness:       res.Liveness,
	})
}

type nodeView struct {
	nodestate.Snapshot
	Risk risk.Assessment `json:"risk"`
}

type nodesResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	AIBackend string            `json:"ai_backend"`
	Notifier  string            `json:"notifier"`
	Nodes     []nodeView        `json:"nodes"`
	Summary   nodestate.Summary `json:"summary"`
	Count     int               `json:"count"`
}

func (a *API) handleNodes(w http.ResponseWriter, _ *http.Request) {
	now := a.now()
	snaps := a.states.List(now)

	views := make([]nodeView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, nodeView{Snapshot: snap, Risk: a.assessmentFor(snap)})
	}

	a.writeJSON(w, http.StatusOK, nodesResponse{
		Timestamp: now,
		AIBackend: a.analyzer.Backend(),
		Notifier:  a.dispatcher.Channel(),
		Nodes:     views,
		Summary:   a.states.Summarize(now),
		Count:     len(views),
	})
}

type nodeDetail struct {
	nodeView
	Recent []store.Record `json:"recent"`
}

func (a *API) handleNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	snap, ok := a.states.Get(nodeID, a.now())
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("no data found for node %s", nodeID))
		return
	}

	recent, err := a.store.Query(r.Context(), store.Query{NodeID: nodeID, Limit: recentPoints})
	if err != nil {
		a.logger.Warn("failed to load recent readings", "node_id", nodeID, "error", err)
		recent = []store.Record{}
	}

	a.writeJSON(w, http.StatusOK, nodeDetail{
		nodeView: nodeView{Snapshot: snap, Risk: a.assessmentFor(snap)},
		Recent:   recent,
	})
}

type waterStatistics struct {
	Average float64 `json:"avg_water_level"`
	Max     float64 `json:"max_water_level"`
	Min     float64 `json:"min_water_level"`
	Total   int     `json:"total_readings"`
}

type historyResponse struct {
	Statistics *waterStatistics `json:"statistics,omitempty"`
	NodeID     string           `json:"node_id"`
	Readings   []store.Record   `json:"readings"`
	Count      int              `json:"count"`
}

func positiveInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r, "limit", store.DefaultQueryLimit)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	days, err := positiveInt(r, "days", 0)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	q := store.Query{NodeID: r.URL.Query().Get("node_id"), Limit: limit}
	if days > 0 {
		q.Since = a.now().Add(-time.Duration(days) * 24 * time.Hour)
	}

	records, err := a.store.Query(r.Context(), q)
	if err != nil {
		if errors.Is(err, store.ErrInvalidQuery) {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		a.logger.Error("history query failed", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, errors.New("record store unavailable"))
		return
	}

	resp := historyResponse{NodeID: q.NodeID, Readings: records, Count: len(records)}
	if resp.NodeID == "" {
		resp.NodeID = "all"
	}
	if len(records) > 0 {
		st := &waterStatistics{Min: records[0].UltrasonicValue, Max: records[0].UltrasonicValue, Total: len(records)}
		var sum float64
		for _, rec := range records {
			sum += rec.UltrasonicValue
			st.Min = min(st.Min, rec.UltrasonicValue)
			st.Max = max(st.Max, rec.UltrasonicValue)
		}
		st.Average = sum / float64(len(records))
		resp.Statistics = st
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	store.Statistics
	Liveness nodestate.Summary `json:"liveness"`
	Window   int               `json:"window"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.Query(r.Context(), store.Query{Limit: store.MaxQueryLimit})
	if err != nil {
		a.logger.Error("stats query failed", "error", err)
		a.writeError(w, http.StatusServiceUnavailable, errors.New("record store unavailable"))
		return
	}
	a.writeJSON(w, http.StatusOK, statsResponse{
		Statistics: store.Summarize(records),
		Liveness:   a.states.Summarize(a.now()),
		Window:     store.MaxQueryLimit,
	})
}

type predictRequest struct {
	NodeID string `json:"node_id"`
}

type predictResponse struct {
	Timestamp  time.Time               `json:"timestamp"`
	NodeID     string                  `json:"node_id"`
	AIBackend  string                  `json:"ai_backend"`
	Reading    telemetry.SensorReading `json:"reading"`
	Assessment risk.Assessment         `json:"assessment"`
	DataPoints int                     `json:"data_points"`
}

// handlePredict assesses the latest stored reading of a node on demand.
// It never raises an alert.
func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request: %w", err))
			return
		}
	}

	now := a.now()
	nodeID := req.NodeID
	if nodeID == "" {
		nodes := a.states.List(now)
		if len(nodes) == 0 {
			a.writeError(w, http.StatusBadRequest, errors.New("no node_id provided and no data available"))
			return
		}
		nodeID = nodes[0].NodeID
	}

	records, err := a.store.Query(r.Context(), store.Query{
		NodeID: nodeID,
		Since:  now.Add(-predictLookback),
		Limit:  predictPoints,
	})
	if err != nil {
		a.logger.Error("predict query failed", "node_id", nodeID, "error", err)
		a.writeError(w, http.StatusServiceUnavailable, errors.New("record store unavailable"))
		return
	}
	if len(records) == 0 {
		a.writeError(w, http.StatusNotFound, fmt.Errorf("no data available for node %s", nodeID))
		return
	}

	in := analyzer.Input{Reading: records[len(records)-1].SensorReading}
	for _, rec := range records[:len(records)-1] {
		in.History = append(in.History, rec.SensorReading)
	}

	a.writeJSON(w, http.StatusOK, predictResponse{
		Timestamp:  now,
		NodeID:     nodeID,
		AIBackend:  a.analyzer.Backend(),
		Reading:    in.Reading,
		Assessment: a.analyzer.Analyze(r.Context(), in),
		DataPoints: len(records),
	})
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.scanner.RunOnce(r.Context()))
}

func (a *API) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	channel := a.dispatcher.Channel()
	if err := a.dispatcher.SendTest(r.Context()); err != nil {
		a.logger.Warn("test alert failed", "channel", channel, "error", err)
		a.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"channel": channel,
		"message": "Test alert sent",
	})
}

type thresholds struct {
	WaterWarning   float64 `json:"water_warning"`
	WaterDanger    float64 `json:"water_danger"`
	AlertThreshold float64 `json:"alert_threshold"`
}

type healthResponse struct {
	Timestamp  time.Time         `json:"timestamp"`
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	AIBackend  string            `json:"ai_backend"`
	Notifier   string            `json:"notifier"`
	Nodes      nodestate.Summary `json:"nodes"`
	Thresholds thresholds        `json:"thresholds"`
	AIEnabled  bool              `json:"ai_enabled"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := a.now()
	calib := a.analyzer.Calibration()
	a.writeJSON(w, http.StatusOK, healthResponse{
		Timestamp: now,
		Status:    "operational",
		Version:   a.version,
		AIBackend: a.analyzer.Backend(),
		AIEnabled: a.analyzer.Enabled(),
		Notifier:  a.dispatcher.Channel(),
		Nodes:     a.states.Summarize(now),
		Thresholds: thresholds{
			WaterWarning:   calib.WaterWarningCM,
			WaterDanger:    calib.WaterDangerCM,
			AlertThreshold: a.dispatcher.Threshold(),
		},
	})
}
