package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramDefaultEndpoint = "https://api.telegram.org"

// TelegramConfig configures the Bot API channel.
type TelegramConfig struct {
	Endpoint string
	BotToken string
	ChatID   string
	Timeout  time.Duration
}

// Telegram posts HTML formatted alerts through the Telegram Bot API.
type Telegram struct {
	client   *http.Client
	endpoint string
	token    string
	chatID   string
}

// NewTelegram validates cfg and creates the channel.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}
	if cfg.ChatID == "" {
		return nil, errors.New("telegram chat id cannot be empty")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = telegramDefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	Description string `json:"description"`
	OK          bool   `json:"ok"`
}

// Send delivers the message. Only HTTP 200 with ok=true counts as delivered.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(telegramRequest{
		ChatID:                t.chatID,
		Text:                  msg.HTML,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.endpoint, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("telegram request: %w", uerr.Err)
		}
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, tr.Description)
	}
	if !tr.OK {
		return fmt.Errorf("telegram rejected message: %s", tr.Description)
	}
	return nil
}
