// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications delivers operator alerts for bridge events.
//
// The bridge raises alerts for events that need attention before they turn
// into data loss: InfluxDB going unreachable (and recovering), the local
// spool filling up, and lights dropping off the network. Delivery is via
// Slack incoming webhooks.
//
// # Alert Severity Levels
//
// Three severity levels with corresponding attachment colors:
//   - danger/error: red, failures that interrupt data collection
//   - warning/warn: yellow, conditions that will degrade if ignored
//   - good/success: green, recovery notifications
//
// # Automatic Notifications
//
// The bridge sends automatic notifications for:
//   - InfluxDB write failure (once per outage, when spooling starts)
//   - InfluxDB recovery (after the spool has been replayed)
//   - Spool capacity warnings (above 80% of the configured maximum)
//   - A light becoming unreachable or coming back online
//
// # Error Handling
//
// Notification failures never block the bridge: send errors are returned to
// the caller for logging, HTTP requests carry a 10 second timeout, and a
// notifier built with an empty webhook URL skips sending silently.
//
// The SlackNotifier is safe for concurrent use; every notification is an
// independent HTTP request under the caller's context.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/twinkly-bridge/pkg/errors"
	"github.com/soothill/twinkly-bridge/pkg/logger"
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	mu         sync.RWMutex // Protects webhookURL and enabled across config reloads
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier. An empty webhook URL
// produces a disabled notifier whose sends are no-ops.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// UpdateWebhookURL swaps the webhook destination. An empty URL disables
// the notifier. Used when the configuration is reloaded on SIGHUP.
func (s *SlackNotifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.enabled = webhookURL != ""
	s.mu.Unlock()

	logger.Info().Bool("enabled", webhookURL != "").Msg("Slack webhook URL updated")
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}

	payload := SlackMessage{
		Text: message,
	}

	return s.sendPayload(ctx, payload)
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  s.severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "Twinkly Bridge",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendStorageFailure sends an alert when InfluxDB stops accepting writes
func (s *SlackNotifier) SendStorageFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ InfluxDB Unavailable",
		fmt.Sprintf("Writing light state to InfluxDB failed: %v\nReadings will be spooled locally until the connection is restored.", err))
}

// SendStorageRecovered sends an alert when InfluxDB accepts writes again
func (s *SlackNotifier) SendStorageRecovered(ctx context.Context, replayed int) error {
	return s.SendAlert(ctx, "good", "✅ InfluxDB Connection Restored",
		fmt.Sprintf("Connection to InfluxDB has been restored. %d spooled readings were replayed.", replayed))
}

// SendCacheWarning sends an alert when the local spool is nearing capacity
func (s *SlackNotifier) SendCacheWarning(ctx context.Context, cacheSize int64, maxSize int64) error {
	percentage := float64(cacheSize) / float64(maxSize) * 100
	return s.SendAlert(ctx, "warning", "⚠️ Local Spool Usage High",
		fmt.Sprintf("Spool size: %d bytes (%.1f%% of max %d bytes)\nInfluxDB may be unavailable for an extended period.",
			cacheSize, percentage, maxSize))
}

// SendDeviceOffline sends an alert when a light stops answering polls
func (s *SlackNotifier) SendDeviceOffline(ctx context.Context, deviceID, deviceName string) error {
	return s.SendAlert(ctx, "warning", "⚠️ Light Unreachable",
		fmt.Sprintf("%s (%s) is not answering polls. Its last known state will be reported until it returns.", deviceName, deviceID))
}

// SendDeviceRecovered sends an alert when a light answers polls again
func (s *SlackNotifier) SendDeviceRecovered(ctx context.Context, deviceID, deviceName string) error {
	return s.SendAlert(ctx, "good", "✅ Light Back Online",
		fmt.Sprintf("%s (%s) is answering polls again.", deviceName, deviceID))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError("slack", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError("slack",
			fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func (s *SlackNotifier) severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger" // Red
	case "warning", "warn":
		return "warning" // Yellow
	case "good", "success":
		return "good" // Green
	default:
		return "#808080" // Gray
	}
}
