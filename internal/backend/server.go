// Package backend wires the flood pipeline to its transports: the HTTP API,
// the RabbitMQ and MQTT reading feeds, the live feed and gRPC health.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/alerting"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/live"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/notify"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/scanner"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
)

// Server represents the backend server that owns the pipeline and its transports.
type Server struct {
	logger *slog.Logger
	config *ServerConfig

	pipelineMetrics *metrics.PipelineMetrics
	mqMetrics       *metrics.MQMetrics

	store      store.Store
	states     *nodestate.Store
	pipeline   *ingest.Pipeline
	dispatcher *alerting.Dispatcher
	scanner    *scanner.Scanner
	hub        *live.Hub
	api        *API
	consumer   *Consumer
	subscriber *Subscriber
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	closers    []io.Closer
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	Store       store.Config
	Calibration risk.Calibration
	Liveness    nodestate.LivenessConfig
	Alerts      AlertConfig
	AI          AIConfig
	Notifier    NotifierConfig
	Scanner     ScannerConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTSettings

	// PersistTimeout bounds a single record store write.
	PersistTimeout time.Duration
	// HistoryLimit is the number of earlier readings given to the analyzer.
	HistoryLimit int

	// HTTPPort serves the API, the live feed and /metrics.
	HTTPPort int
	// GRPCPort serves the health protocol. Zero disables it.
	GRPCPort int

	// LivenessInterval controls how often the liveness gauge is refreshed.
	LivenessInterval time.Duration

	Version string
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration: %w", err)
	}

	if err := cfg.Liveness.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness windows: %w", err)
	}

	if cfg.RabbitMQ.URL != "" && cfg.RabbitMQ.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.MQTT.BrokerURL != "" && cfg.MQTT.Topic == "" {
		return nil, errors.New("mqtt topic cannot be empty")
	}

	if err := cfg.Notifier.validate(cfg.RabbitMQ.URL); err != nil {
		return nil, err
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.init(ctx); err != nil {
		return errors.Join(err, s.Shutdown())
	}

	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on HTTP port: %w", err), s.Shutdown())
	}

	var grpcLis net.Listener
	if s.config.GRPCPort > 0 {
		if grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort)); err != nil {
			_ = httpLis.Close()
			return errors.Join(fmt.Errorf("failed to listen on gRPC port: %w", err), s.Shutdown())
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.serveHTTP(gctx, httpLis) })
	g.Go(func() error { return s.watchLiveness(gctx) })

	if grpcLis != nil {
		g.Go(func() error { return s.serveGRPC(gctx, grpcLis) })
	}
	if s.scanner != nil {
		g.Go(func() error { return s.scanner.Run(gctx) })
	}
	if s.subscriber != nil {
		g.Go(func() error { return s.subscriber.Run(gctx) })
	}
	if s.consumer != nil {
		g.Go(func() error {
			if err := s.consumer.Start(gctx); err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	s.logger.Info("backend server started successfully",
		"http_port", s.config.HTTPPort,
		"grpc_port", s.config.GRPCPort,
		"ai_backend", s.api.analyzer.Backend(),
		"alert_channel", s.dispatcher.Channel(),
	)

	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error("backend server error", "error", runErr)
	}

	return errors.Join(runErr, s.Shutdown())
}

// init builds every component from the configuration.
func (s *Server) init(ctx context.Context) error {
	cfg := s.config

	s.pipelineMetrics = metrics.NewPipelineMetrics(metrics.Namespace)
	s.mqMetrics = metrics.NewMQMetrics(metrics.Namespace)
	httpMetrics := metrics.NewHTTPMetrics(metrics.Namespace)

	db, err := store.Open(ctx, cfg.Store, s.logger, s.pipelineMetrics)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	s.store = db
	s.logger.Info("record store initialized", "driver", cfg.Store.Driver)

	states, err := nodestate.New(cfg.Liveness)
	if err != nil {
		return err
	}
	s.states = states
	s.restoreStates(ctx)

	reasoner, err := cfg.AI.reasoner()
	if err != nil {
		return fmt.Errorf("failed to initialize ai backend: %w", err)
	}
	az, err := analyzer.New(&analyzer.Config{
		Logger:      s.logger.With("component", "analyzer"),
		Reasoner:    reasoner,
		Metrics:     s.pipelineMetrics,
		Calibration: cfg.Calibration,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize analyzer: %w", err)
	}

	notifier, err := s.buildNotifier()
	if err != nil {
		return fmt.Errorf("failed to initialize alert channel: %w", err)
	}
	s.dispatcher, err = alerting.NewDispatcher(&alerting.DispatcherConfig{
		Logger:             s.logger.With("component", "alerting"),
		Notifier:           notifier,
		Gate:               alerting.NewGate(states),
		Metrics:            s.pipelineMetrics,
		Threshold:          cfg.Alerts.Threshold,
		RealTimeCooldown:   cfg.Alerts.RealTimeCooldown,
		PredictiveCooldown: cfg.Alerts.PredictiveCooldown,
		SendTimeout:        cfg.Alerts.SendTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	s.pipeline, err = ingest.New(&ingest.Config{
		Logger:         s.logger.With("component", "ingest"),
		Store:          db,
		States:         states,
		Analyzer:       az,
		Dispatcher:     s.dispatcher,
		Metrics:        s.pipelineMetrics,
		PersistTimeout: cfg.PersistTimeout,
		HistoryLimit:   cfg.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if cfg.Scanner.Enabled {
		s.scanner, err = scanner.New(&scanner.Config{
			Logger:     s.logger.With("component", "scanner"),
			Store:      db,
			Analyzer:   az,
			Dispatcher: s.dispatcher,
			Metrics:    s.pipelineMetrics,
			Schedule:   cfg.Scanner.Schedule,
			Lookback:   cfg.Scanner.Lookback,
			MinPoints:  cfg.Scanner.MinPoints,
			MaxPoints:  cfg.Scanner.MaxPoints,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize scanner: %w", err)
		}
	}

	s.hub = live.NewHub(s.logger.With("component", "live"), httpMetrics.WebSocketClients)

	s.api, err = NewAPI(&APIConfig{
		Logger:     s.logger,
		Ingester:   s.pipeline,
		Store:      db,
		States:     states,
		Analyzer:   az,
		Dispatcher: s.dispatcher,
		Scanner:    s.scanner,
		Live:       s.hub,
		Metrics:    httpMetrics,
		Version:    cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API: %w", err)
	}

	s.pipeline.Observe(s.api.Observe)
	s.pipeline.Observe(func(res ingest.Result) {
		s.hub.Publish(live.TypeReading, res)
		if res.Alert.Sent {
			s.hub.Publish(live.TypeAlert, res.Alert)
		}
	})

	if cfg.RabbitMQ.URL != "" {
		client := mq.New(cfg.RabbitMQ.QueueName, cfg.RabbitMQ.URL, s.logger,
			mq.WithDurable(true),
			mq.WithPrefetch(cfg.RabbitMQ.Prefetch),
			mq.WithMetrics(s.mqMetrics),
		)
		s.consumer, err = NewConsumer(&ConsumerConfig{
			Logger:    s.logger,
			Ingester:  s.pipeline,
			Client:    client,
			Metrics:   s.mqMetrics,
			QueueName: cfg.RabbitMQ.QueueName,
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
	}

	if cfg.MQTT.BrokerURL != "" {
		s.subscriber, err = NewSubscriber(&MQTTConfig{
			Logger:    s.logger,
			Ingester:  s.pipeline,
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Topic:     cfg.MQTT.Topic,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			QoS:       cfg.MQTT.QoS,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt subscriber: %w", err)
		}
	}

	return nil
}

// restoreStates seeds node state from the newest stored record of every node
// so that liveness survives a restart.
func (s *Server) restoreStates(ctx context.Context) {
	latest, err := s.store.Latest(ctx)
	if err != nil {
		s.logger.Warn("failed to restore node state", "error", err)
		return
	}
	for _, rec := range latest {
		seenAt := rec.StoredAt
		if seenAt.IsZero() {
			seenAt = rec.Timestamp
		}
		s.states.Restore(rec.NodeID, rec.SensorReading, seenAt)
	}
	s.logger.Info("node state restored", "nodes", len(latest))
}

func (s *Server) buildNotifier() (notify.Notifier, error) {
	cfg := s.config.Notifier
	logger := s.logger.With("component", "notify")

	switch cfg.Channel {
	case ChannelTelegram:
		return notify.NewTelegram(cfg.telegram())
	case ChannelKafka:
		k, err := notify.NewKafka(cfg.kafka())
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, k)
		return k, nil
	case ChannelAMQP:
		client := mq.New(cfg.AlertQueue, s.config.RabbitMQ.URL, logger,
			mq.WithDurable(true),
			mq.WithMetrics(s.mqMetrics),
		)
		q, err := notify.NewQueue(client)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, q)
		return q, nil
	default:
		logger.Warn("no alert channel configured, alerts are only logged")
		return notify.NewLog(logger), nil
	}
}

func (s *Server) serveHTTP(ctx context.Context, lis net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		return nil
	}
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) error {
	s.grpcServer, s.health = newGRPCServer()

	s.logger.Info("starting gRPC server", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("stopping gRPC server")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		return nil
	}
}

// watchLiveness refreshes the nodes-by-liveness gauge on a fixed schedule.
func (s *Server) watchLiveness(ctx context.Context) error {
	interval := s.config.LivenessInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.recordLiveness); err != nil {
		return fmt.Errorf("schedule liveness gauge: %w", err)
	}
	s.recordLiveness()
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Server) recordLiveness() {
	sum := s.states.Summarize(time.Now())
	g := s.pipelineMetrics.NodesByLiveness
	g.WithLabelValues(string(nodestate.Online)).Set(float64(sum.Online))
	g.WithLabelValues(string(nodestate.Idle)).Set(float64(sum.Idle))
	g.WithLabelValues(string(nodestate.Offline)).Set(float64(sum.Offline))
}

// Shutdown releases the feeds, alert channels and the record store.
// Listeners are stopped by Run when its context ends.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	// Stop consumer
	if s.consumer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
		cancel()
		s.consumer = nil
	}

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("failed to close alert channel", "error", err)
			errs = append(errs, fmt.Errorf("alert channel close error: %w", err))
		}
	}
	s.closers = nil

	// Close record store
	if s.store != nil {
		s.logger.Info("closing record store")
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close record store", "error", err)
			errs = append(errs, fmt.Errorf("record store close error: %w", err))
		}
		s.store = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
