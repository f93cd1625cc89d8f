// Package slack alerts staff about urgent patient cases via Slack incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

const (
	maxSummaryLen = 2000
	httpTimeout   = 10 * time.Second

	// Slack answers 429 with Retry-After when a webhook is rate limited.
	maxRateLimitRetries = 2
	maxRetryAfter       = 5 * time.Second
)

// Notifier posts case escalations to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New returns a Notifier. With an empty webhookURL Send does nothing.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

type rateLimitedError struct {
	wait time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("slack: rate limited, retry after %s", e.wait)
}

// Send posts c to the webhook, waiting out rate limiting a bounded number
// of times.
func (n *Notifier) Send(ctx context.Context, c *queue.Case) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(c))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := n.post(ctx, body)
		var rl *rateLimitedError
		if err == nil {
			n.logger.Info(ctx, "slack escalation sent", "case_id", c.ID, "urgency_level", int(c.UrgencyLevel))
			return nil
		}
		if !errors.As(err, &rl) || attempt == maxRateLimitRetries {
			return err
		}

		t := time.NewTimer(rl.wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitedError{wait: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// retryAfter reads a Retry-After seconds value, defaulting to one second and
// capped so a notification never stalls shutdown for long.
func retryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return time.Second
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// Block Kit payload. Only the pieces used here are modelled.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string       `json:"type"`
	Text     *textObject  `json:"text,omitempty"`
	Fields   []textObject `json:"fields,omitempty"`
	Elements []textObject `json:"elements,omitempty"`
}

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) textObject { return textObject{Type: "mrkdwn", Text: s} }

func section(s string) block {
	t := mrkdwn(s)
	return block{Type: "section", Text: &t}
}

func buildMessage(c *queue.Case) message {
	signals := "none"
	if len(c.DetectedSignals) > 0 {
		signals = strings.Join(c.DetectedSignals, ", ")
	}
	fields := []textObject{
		mrkdwn("*Patient:* " + c.UserID),
		mrkdwn(fmt.Sprintf("*Channel:* %s", c.Channel)),
		mrkdwn("*Action:* " + c.RecommendedAction),
		mrkdwn("*Signals:* " + signals),
	}
	if c.Degraded {
		fields = append(fields, mrkdwn("*Assessment:* automated fallback"))
	}

	rationale := c.Rationale
	if rationale == "" {
		rationale = "_No rationale available._"
	}
	history := truncate(c.ContextSummary, maxSummaryLen)
	if history == "" {
		history = "_No prior conversation._"
	}

	return message{
		// notification fallback for clients that cannot render blocks
		Text: fmt.Sprintf("%s case for patient %s", c.UrgencyLevel, c.UserID),
		Blocks: []block{
			{Type: "header", Text: &textObject{
				Type: "plain_text",
				Text: fmt.Sprintf("%s %s: patient needs attention", levelEmoji(c.UrgencyLevel), c.UrgencyLevel),
			}},
			{Type: "section", Fields: fields},
			{Type: "divider"},
			section("*Rationale*\n" + rationale),
			section("*Recent conversation*\n```" + history + "```"),
			{Type: "context", Elements: []textObject{
				mrkdwn(fmt.Sprintf("frontdesk • case %s • %s", c.ID, c.LastUpdatedAt.UTC().Format("2006-01-02 15:04 UTC"))),
			}},
		},
	}
}

func levelEmoji(l triage.Level) string {
	switch l {
	case triage.LevelResuscitation:
		return "\U0001f6a8"
	case triage.LevelEmergent:
		return "\U0001f534"
	case triage.LevelUrgent:
		return "\U0001f7e1"
	default:
		return "\U0001f7e2"
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
