package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"backoffice-backend/internal/models"
)

type SlackClient struct {
	webhookURL string
	client     *http.Client
	log        *zap.Logger
}

type SlackMessage struct {
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks"`
}

type Block struct {
	Type   string  `json:"type"`
	Text   *Text   `json:"text,omitempty"`
	Fields []*Text `json:"fields,omitempty"`
}

type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackClient returns a notifier posting to an incoming webhook. An empty
// URL disables it.
func NewSlackClient(webhookURL string, log *zap.Logger) *SlackClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &SlackClient{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("slack"),
	}
}

func (c *SlackClient) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

// NotifyDeadDelivery reports a webhook delivery that will not be retried.
func (c *SlackClient) NotifyDeadDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if !c.Enabled() {
		c.log.Debug("no SLACK_WEBHOOK_URL configured, skipping dead delivery alert")
		return nil
	}
	return c.sendMessage(ctx, buildDeadDeliveryMessage(d))
}

func buildDeadDeliveryMessage(d *models.WebhookDelivery) SlackMessage {
	lastError := "unknown error"
	if d.LastError != nil && *d.LastError != "" {
		lastError = *d.LastError
	}

	title := fmt.Sprintf("Webhook delivery dead: %s", d.EventType)
	return SlackMessage{
		Text: title,
		Blocks: []Block{
			{
				Type: "header",
				Text: &Text{Type: "plain_text", Text: "☠️ " + title, Emoji: true},
			},
			{
				Type: "section",
				Fields: []*Text{
					{Type: "mrkdwn", Text: "*Provider:*\n" + d.Provider},
					{Type: "mrkdwn", Text: "*Delivery:*\n`" + d.DeliveryID + "`"},
					{Type: "mrkdwn", Text: fmt.Sprintf("*Attempts:*\n%d", d.Attempts)},
					{Type: "mrkdwn", Text: "*Ledger id:*\n`" + d.ID + "`"},
				},
			},
			{
				Type: "section",
				Text: &Text{Type: "mrkdwn", Text: "*Last error:*\n```" + lastError + "```"},
			},
		},
	}
}

func (c *SlackClient) sendMessage(ctx context.Context, message SlackMessage) error {
	reqBody, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack error: %s", string(body))
	}
	return nil
}
