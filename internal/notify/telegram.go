package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram posts to the Bot API sendMessage method.
type Telegram struct {
	Token  string
	ChatID string
	APIURL string
	Client *http.Client
}

// NewTelegram returns nil when the token or chat id is missing.
func NewTelegram(token, chatID, apiURL string) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	if apiURL == "" {
		apiURL = DefaultTelegramAPI
	}
	return &Telegram{
		Token:  token,
		ChatID: chatID,
		APIURL: strings.TrimRight(apiURL, "/"),
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Name() string { return "telegram" }

type tgSendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type tgResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, m Message) error {
	payload := tgSendMessage{ChatID: t.ChatID, Text: m.Text, DisableWebPagePreview: true}
	if m.Format == FormatHTML {
		payload.ParseMode = "HTML"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}
	url := t.APIURL + "/bot" + t.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// the URL carries the bot token; keep it out of logs
		return fmt.Errorf("telegram: request failed: %w", stripURL(err))
	}
	defer resp.Body.Close()

	var out tgResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram: %s (status %d)", out.Description, resp.StatusCode)
		}
		return fmt.Errorf("telegram: non-2xx status %d", resp.StatusCode)
	}
	return nil
}
