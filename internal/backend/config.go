package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/analyzer"
	"github.com/mhdhaikalll/IoT-Flood-System/internal/notify"
)

// Notification channels.
const (
	ChannelLog      = "log"
	ChannelTelegram = "telegram"
	ChannelAMQP     = "amqp"
	ChannelKafka    = "kafka"
)

// AlertConfig configures the dispatcher.
type AlertConfig struct {
	Threshold          float64       `mapstructure:"threshold"`
	RealTimeCooldown   time.Duration `mapstructure:"realtime_cooldown"`
	PredictiveCooldown time.Duration `mapstructure:"predictive_cooldown"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
}

// DefaultAlertConfig alerts from 70% with 15 and 30 minute cooldowns.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Threshold:          70,
		RealTimeCooldown:   15 * time.Minute,
		PredictiveCooldown: 30 * time.Minute,
		SendTimeout:        10 * time.Second,
	}
}

// AIConfig selects the reasoning backend. An empty provider disables it.
type AIConfig struct {
	Provider        string        `mapstructure:"provider"`
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (c AIConfig) reasoner() (analyzer.Reasoner, error) {
	switch c.Provider {
	case "", "none":
		return nil, nil
	case "gemini":
		return analyzer.NewGemini(analyzer.GeminiConfig{
			Endpoint:        c.Endpoint,
			APIKey:          c.APIKey,
			Model:           c.Model,
			Temperature:     c.Temperature,
			MaxOutputTokens: c.MaxOutputTokens,
		})
	default:
		return nil, fmt.Errorf("unknown ai provider %q", c.Provider)
	}
}

// NotifierConfig selects and configures the alert channel.
type NotifierConfig struct {
	Channel    string           `mapstructure:"channel"`
	AlertQueue string           `mapstructure:"alert_queue"`
	Telegram   TelegramSettings `mapstructure:"telegram"`
	Kafka      KafkaSettings    `mapstructure:"kafka"`
}

// TelegramSettings configures the Telegram Bot API channel.
type TelegramSettings struct {
	Endpoint string `mapstructure:"endpoint"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// KafkaSettings configures the alert topic producer.
type KafkaSettings struct {
	Topic   string   `mapstructure:"topic"`
	Brokers []string `mapstructure:"brokers"`
}

func (c NotifierConfig) validate(rabbitURL string) error {
	switch c.Channel {
	case "", ChannelLog, ChannelTelegram, ChannelKafka:
		return nil
	case ChannelAMQP:
		if rabbitURL == "" {
			return errors.New("amqp alert channel requires a rabbitmq URL")
		}
		if c.AlertQueue == "" {
			return errors.New("amqp alert channel requires an alert queue")
		}
		return nil
	default:
		return fmt.Errorf("unknown alert channel %q", c.Channel)
	}
}

func (c NotifierConfig) telegram() notify.TelegramConfig {
	return notify.TelegramConfig{
		Endpoint: c.Telegram.Endpoint,
		BotToken: c.Telegram.BotToken,
		ChatID:   c.Telegram.ChatID,
	}
}

func (c NotifierConfig) kafka() notify.KafkaConfig {
	return notify.KafkaConfig{Topic: c.Kafka.Topic, Brokers: c.Kafka.Brokers}
}

// ScannerConfig configures the periodic historical scan.
type ScannerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Lookback  time.Duration `mapstructure:"lookback"`
	MinPoints int           `mapstructure:"min_points"`
	MaxPoints int           `mapstructure:"max_points"`
}

// RabbitMQConfig configures the AMQP reading consumer. An empty URL disables it.
type RabbitMQConfig struct {
	URL       string `mapstructure:"url"`
	QueueName string `mapstructure:"queue_name"`
	Prefetch  int    `mapstructure:"prefetch"`
}

// MQTTSettings configures the MQTT subscriber. An empty broker disables it.
type MQTTSettings struct {
	BrokerURL string `mapstructure:"broker"`
	Topic     string `mapstructure:"topic"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	QoS       byte   `mapstructure:"qos"`
}
