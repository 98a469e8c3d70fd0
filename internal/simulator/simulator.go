// Package simulator runs a fleet of synthetic flood nodes that publish readings to the backend.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/generator"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Publisher delivers readings to the backend
	Publisher Publisher
	// Nodes is the number of simulated nodes
	Nodes int
	// Interval is the time between readings of one node
	Interval time.Duration
	// Seed makes the fleet reproducible; zero picks a random seed
	Seed uint64
	// Storm forces every node into a storm of the given intensity (0..1) at start
	Storm float64
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server drives one generator per node.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	publisher  Publisher
	generators []*generator.ReadingGenerator
	metrics    *metrics.SimulatorMetrics
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var (
	errInvalidNodeCount = errors.New("node count must be greater than 0")
	errInvalidInterval  = errors.New("interval must be greater than 0")
	errInvalidStorm     = errors.New("storm intensity must be within 0..1")
	errLoggerRequired   = errors.New("logger is required")
	errPublisherMissing = errors.New("publisher is required")
)

// NewServer creates the fleet described by cfg.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Publisher == nil {
		return nil, errPublisherMissing
	}
	if cfg.Nodes <= 0 {
		return nil, errInvalidNodeCount
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}
	if cfg.Storm < 0 || cfg.Storm > 1 {
		return nil, errInvalidStorm
	}

	fleet, err := generator.NewFleet(gofakeit.New(cfg.Seed), cfg.Nodes)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:     cfg.Logger.With("component", "simulator", "transport", cfg.Publisher.Name()),
		config:     cfg,
		publisher:  cfg.Publisher,
		generators: make([]*generator.ReadingGenerator, 0, len(fleet)),
		metrics:    cfg.Metrics,
	}
	for i, node := range fleet {
		// Generators are not safe for concurrent use, so each gets its own faker.
		gen := generator.NewReadingGenerator(gofakeit.New(nodeSeed(cfg.Seed, i)), node)
		if cfg.Storm > 0 {
			gen.ForceStorm(cfg.Storm)
		}
		s.generators = append(s.generators, gen)
		s.logger.Debug("created simulated node", "node_id", node.NodeID, "location", node.Location)
	}
	return s, nil
}

func nodeSeed(seed uint64, i int) uint64 {
	if seed == 0 {
		return 0
	}
	return seed + uint64(i) + 1
}

// Nodes returns the simulated fleet.
func (s *Server) Nodes() []generator.Node {
	out := make([]generator.Node, 0, len(s.generators))
	for _, g := range s.generators {
		out = append(out, g.Node())
	}
	return out
}

// Run publishes readings until ctx is canceled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for _, gen := range s.generators {
		s.wg.Add(1)
		go s.runNode(ctx, gen)
	}

	s.logger.Info("simulator started",
		"nodes", len(s.generators),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.wg.Wait()
	err := s.Shutdown()
	s.logger.Info("simulator stopped")
	return err
}

func (s *Server) runNode(ctx context.Context, gen *generator.ReadingGenerator) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveNodes.Inc()
		defer s.metrics.ActiveNodes.Dec()
	}

	log := s.logger.With("node_id", gen.Node().NodeID)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.publish(ctx, gen, now); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Keep the node alive; the next tick retries with a fresh reading.
				log.Warn("failed to publish reading", "error", err)
				continue
			}
			log.Debug("reading published")
		}
	}
}

func (s *Server) publish(ctx context.Context, gen *generator.ReadingGenerator, now time.Time) error {
	transport := s.publisher.Name()
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.PublishDuration.WithLabelValues(transport))
		defer timer.ObserveDuration()
	}

	if err := s.publisher.Publish(ctx, gen.Next(now)); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(transport, "publish_error").Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.ReadingsPublished.WithLabelValues(transport).Inc()
	}
	return nil
}

// Shutdown closes the publisher. It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.publisher.Close()
		if err != nil {
			s.logger.Error("failed to close publisher", "error", err)
		}
	})
	return err
}
