package alerts

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
	"unicode/utf8"

	"go.uber.org/zap"

	"perp-market-sdk/internal/config"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	// Telegram rejects message text longer than this many characters.
	maxMessageRunes = 4096
)

var ErrTelegramConfig = errors.New("telegram token and chat_id are required")

// Sender delivers a single text message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Telegram posts alerts to one chat through the Bot API sendMessage method.
type Telegram struct {
	enabled  bool
	endpoint string
	chatID   string
	client   *http.Client
	log      *zap.Logger
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, nil)
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Telegram{
		enabled: cfg.Enabled,
		chatID:  strings.TrimSpace(cfg.ChatID),
		client:  client,
		log:     log,
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		t.endpoint = fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(baseURL, "/"), token)
	}
	return t
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

// Send is a no-op when alerts are disabled. Messages over the Bot API
// limit are cut and marked with an ellipsis.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.endpoint == "" || t.chatID == "" {
		return ErrTelegramConfig
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  clip(message, maxMessageRunes),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, body)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if !resp.OK {
		desc := strings.TrimSpace(resp.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send: error %d: %s", resp.ErrorCode, desc)
	}
	t.log.Debug("telegram alert delivered", zap.Int("chars", utf8.RuneCountInString(message)))
	return nil
}

// post returns the decoded Bot API envelope. The API answers errors with a
// JSON envelope too, so a non-2xx status is only an error when the body is
// not one.
func (t *Telegram) post(ctx context.Context, body []byte) (botResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return botResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return botResponse{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return botResponse{}, err
	}
	var out botResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return botResponse{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(truncateBytes(raw, 2048))))
		}
		// A 2xx without an envelope is treated as delivered.
		return botResponse{OK: true}, nil
	}
	return out, nil
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
