package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/polaris-platform/polaris-core/pkg/health"
)

// SlackHandler delivers health alerts to a Slack incoming webhook.
// It implements health.AlertHandler.
type SlackHandler struct {
	webhookURL string
	channel    string
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a Slack alert handler posting to the given
// incoming webhook.
func NewSlackHandler(webhookURL, channel string, logger *zap.Logger) *SlackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackHandler{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name identifies the handler in alert manager logs.
func (h *SlackHandler) Name() string {
	return "slack"
}

// HandleAlert posts the alert to the configured webhook.
func (h *SlackHandler) HandleAlert(ctx context.Context, alert health.Alert) error {
	if h.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := h.buildMessage(alert)

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	h.logger.Debug("Sent slack alert",
		zap.String("alert_id", alert.ID),
		zap.String("severity", alert.Severity.String()),
		zap.String("source", alert.Source),
	)
	return nil
}

func (h *SlackHandler) buildMessage(alert health.Alert) SlackMessage {
	fields := []SlackField{
		{Title: "Source", Value: alert.Source, Short: true},
		{Title: "Severity", Value: alert.Severity.String(), Short: true},
	}
	for key, value := range alert.Tags {
		fields = append(fields, SlackField{Title: key, Value: value, Short: true})
	}

	return SlackMessage{
		Username:  "polaris",
		Channel:   h.channel,
		IconEmoji: severityEmoji(alert.Severity),
		Attachments: []SlackAttachment{{
			Color:     severityColor(alert.Severity),
			Title:     alert.Title,
			Text:      alert.Description,
			Fields:    fields,
			Footer:    "polaris availability core",
			Timestamp: alert.Timestamp.Unix(),
		}},
	}
}

func severityColor(severity health.AlertSeverity) string {
	switch severity {
	case health.SeverityCritical:
		return "#d00000"
	case health.SeverityError:
		return "danger"
	case health.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func severityEmoji(severity health.AlertSeverity) string {
	switch severity {
	case health.SeverityCritical, health.SeverityError:
		return ":rotating_light:"
	case health.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
