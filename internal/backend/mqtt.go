package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/ingest"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// MQTTConfig holds the configuration for the MQTT subscriber.
type MQTTConfig struct {
	Logger   *slog.Logger
	Ingester Ingester

	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	QoS       byte
}

// Subscriber feeds readings published by nodes over MQTT into the pipeline.
type Subscriber struct {
	logger   *slog.Logger
	ingester Ingester
	client   mqtt.Client
	topic    string
	qos      byte
	ctx      context.Context
}

// NewSubscriber validates cfg and builds a client. It does not connect.
func NewSubscriber(cfg *MQTTConfig) (*Subscriber, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker URL cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}

	s := &Subscriber{
		logger:   cfg.Logger.With("component", "mqtt-subscriber", "topic", cfg.Topic),
		ingester: cfg.Ingester,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		ctx:      context.Background(),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "flood-backend"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("connected to mqtt broker", "broker", cfg.BrokerURL)
		token := c.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
			_ = s.HandlePayload(s.ctx, msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "error", token.Error())
			return
		}
		s.logger.Info("subscribed", "qos", s.qos)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// HandlePayload decodes and ingests one message. Invalid payloads are
// logged and dropped; MQTT offers no way to hand them back.
func (s *Subscriber) HandlePayload(ctx context.Context, payload []byte) error {
	reading, err := telemetry.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable reading", "bytes", len(payload), "error", err)
		return err
	}

	if _, err := s.ingester.Ingest(ingest.WithTransport(ctx, ingest.TransportMQTT), reading); err != nil {
		if ingest.IsPersistenceError(err) {
			s.logger.Error("failed to persist mqtt reading", "node_id", reading.NodeID, "error", err)
		} else {
			s.logger.Warn("mqtt reading rejected", "node_id", reading.NodeID, "error", err)
		}
		return err
	}
	return nil
}

// Run connects with exponential backoff and stays subscribed until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	s.ctx = ctx

	backoff, maxBackoff := time.Second, 30*time.Second
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			break
		}
		s.logger.Warn("mqtt connect failed", "error", token.Error(), "retry_in", backoff)
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return nil
		}
	}

	<-ctx.Done()
	s.logger.Info("disconnecting from mqtt broker")
	s.client.Disconnect(250)
	return nil
}
