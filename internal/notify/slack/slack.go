// Package slack sends investigation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

const (
	maxAnalysisLen = 3000
	httpTimeout    = 10 * time.Second
)

// Notifier sends session outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, all sends are
// no-ops.
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

// Send posts a terminated session to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, s *investigation.Session) error {
	return n.post(ctx, buildMessage(s))
}

// PublishFailure posts an operator alert when a session's report could not be
// written back to the ticket. It implements investigation.Notifier.
func (n *Notifier) PublishFailure(ctx context.Context, s *investigation.Session, pubErr error) error {
	return n.post(ctx, buildPublishFailureMessage(s, pubErr))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

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

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent")
	return nil
}

func buildMessage(s *investigation.Session) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(s),
			{"type": "divider"},
			fieldsBlock(s),
			{"type": "divider"},
			analysisBlock(s),
			{"type": "divider"},
			contextBlock(s),
		},
	}
}

func buildPublishFailureMessage(s *investigation.Session, pubErr error) map[string]any {
	text := fmt.Sprintf(
		"\U0001f6a8 Report publication failed for incident %s\n*Session:* %s\n*State:* %s\n*Error:* %s",
		s.IncidentKey, s.ID, s.State, pubErr,
	)
	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			contextBlock(s),
		},
	}
}

func headerBlock(s *investigation.Session) map[string]any {
	emoji := stateEmoji(s.State, s.Priority)
	title := "Investigation Complete"
	switch s.State {
	case investigation.StateTimedOut:
		title = "Investigation Timed Out"
	case investigation.StateErrored:
		title = "Investigation Failed"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, s.Message)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(s *investigation.Session) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*State:* %s", s.State),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", s.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", s.Duration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Model:* %s", shortModel(s.Model)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tokens:* %d", s.InputTokensUsed+s.OutputTokensUsed),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tool calls:* %d", s.ToolCalls),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func analysisBlock(s *investigation.Session) map[string]any {
	var text string
	switch {
	case s.Analysis != nil && s.Analysis.RootCause != "":
		text = s.Analysis.RootCause
	case s.PartialFindings != "":
		text = s.PartialFindings
	}
	text = truncate(text, maxAnalysisLen)
	if text == "" {
		text = "_No analysis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func contextBlock(s *investigation.Session) map[string]any {
	ts := s.CompletedAt
	if ts.IsZero() {
		ts = s.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("inquest • session %s • %s", s.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func stateEmoji(state investigation.State, priority string) string {
	if state == investigation.StateErrored || state == investigation.StateTimedOut {
		return "\U0001f534" // red circle
	}
	switch strings.ToLower(priority) {
	case "p1", "critical":
		return "\U0001f534" // red circle
	case "p2", "warning":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
