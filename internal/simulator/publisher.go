package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/mq"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Transport names used in logs and metric labels.
const (
	TransportHTTP = "http"
	TransportAMQP = "amqp"
	TransportMQTT = "mqtt"
)

// Publisher delivers one reading to the backend.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, r telemetry.SensorReading) error
	Close() error
}

// payload mirrors the JSON body posted by field nodes.
type payload struct {
	NodeID          string  `json:"node_id"`
	Location        string  `json:"location,omitempty"`
	Timestamp       string  `json:"timestamp"`
	PiezoValue      float64 `json:"piezo_value"`
	UltrasonicValue float64 `json:"ultrasonic_value"`
	RainSensorValue float64 `json:"rain_sensor_value"`
}

func toPayload(r telemetry.SensorReading) payload {
	return payload{
		NodeID:          r.NodeID,
		Location:        r.Location,
		Timestamp:       r.Timestamp.UTC().Format(time.RFC3339),
		PiezoValue:      r.PiezoValue,
		UltrasonicValue: r.UltrasonicValue,
		RainSensorValue: r.RainSensorValue,
	}
}

// HTTPPublisher posts readings to the backend's ingestion endpoint.
type HTTPPublisher struct {
	client   *http.Client
	endpoint string
}

// NewHTTPPublisher targets baseURL/api/sensor-data. A nil client uses a 10s timeout.
func NewHTTPPublisher(baseURL string, client *http.Client) (*HTTPPublisher, error) {
	if baseURL == "" {
		return nil, errors.New("backend URL cannot be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPublisher{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + "/api/sensor-data",
	}, nil
}

func (p *HTTPPublisher) Name() string { return TransportHTTP }

func (p *HTTPPublisher) Publish(ctx context.Context, r telemetry.SensorReading) error {
	body, err := json.Marshal(toPayload(r))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post reading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (p *HTTPPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// QueuePublisher pushes readings onto a RabbitMQ queue with publisher confirms.
type QueuePublisher struct {
	client mq.ClientInterface
}

func NewQueuePublisher(client mq.ClientInterface) (*QueuePublisher, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &QueuePublisher{client: client}, nil
}

func (p *QueuePublisher) Name() string { return TransportAMQP }

func (p *QueuePublisher) Publish(ctx context.Context, r telemetry.SensorReading) error {
	return p.client.PushJSON(ctx, toPayload(r))
}

func (p *QueuePublisher) Close() error { return p.client.Close() }

// MQTTPublisher publishes readings to an MQTT topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher wraps a paho client. The client is connected lazily on first publish.
func NewMQTTPublisher(client mqtt.Client, topic string, qos byte) (*MQTTPublisher, error) {
	if client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if topic == "" {
		return nil, errors.New("mqtt topic cannot be empty")
	}
	if qos > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", qos)
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos}, nil
}

// DialMQTT builds a paho client for the simulator.
func DialMQTT(brokerURL, clientID, username, password string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	return mqtt.NewClient(opts)
}

func (p *MQTTPublisher) Name() string { return TransportMQTT }

func (p *MQTTPublisher) Publish(ctx context.Context, r telemetry.SensorReading) error {
	if !p.client.IsConnectionOpen() {
		if err := wait(ctx, p.client.Connect()); err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
	}
	data, err := json.Marshal(toPayload(r))
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	return wait(ctx, p.client.Publish(p.topic, p.qos, false, data))
}

func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
