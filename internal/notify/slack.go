package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Slack struct {
	Webhook string
	Client  *http.Client
}

func NewSlack(webhook string) *Slack {
	if webhook == "" {
		return nil
	}
	return &Slack{
		Webhook: webhook,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Slack) Name() string { return "slack" }

type slackPayload struct {
	Text string `json:"text"`
}

var (
	htmlToMrkdwn = strings.NewReplacer("<b>", "*", "</b>", "*", "<i>", "_", "</i>", "_")
	mrkdwnEscape = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

// toMrkdwn converts the alert markup to Slack mrkdwn. Slack only needs
// & < > escaped.
func toMrkdwn(m Message) string {
	text := m.Text
	if m.Format == FormatHTML {
		text = htmlToMrkdwn.Replace(text)
		text = html.UnescapeString(text)
	}
	return mrkdwnEscape.Replace(text)
}

func (s *Slack) Send(ctx context.Context, m Message) error {
	if s == nil || s.Webhook == "" {
		return errors.New("slack disabled")
	}
	body, _ := json.Marshal(slackPayload{Text: toMrkdwn(m)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		// webhook URLs are secrets
		return fmt.Errorf("slack: request failed: %w", stripURL(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack: non-2xx status %d", resp.StatusCode)
	}
	return nil
}

// stripURL unwraps *url.Error so the request URL does not leak.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
