package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/monitor"
)

// Slack posts events to an incoming-webhook URL as colored attachments.
type Slack struct {
	webhookURL string
	client     *http.Client
	metrics    *monitor.Metrics
}

// NewSlack creates a Slack notifier. timeout bounds each delivery attempt.
func NewSlack(webhookURL string, timeout time.Duration, metrics *monitor.Metrics) *Slack {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		metrics:    metrics,
	}
}

type slackAttachment struct {
	Color string  `json:"color"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	TS    float64 `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

func levelColor(level Level) string {
	switch level {
	case LevelInfo:
		return "#36a64f"
	case LevelWarning:
		return "#ffae42"
	case LevelError:
		return "#d50200"
	default:
		return "#cccccc"
	}
}

// Notify posts the event. Errors are logged and counted, never returned.
func (s *Slack) Notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	title := ev.Title
	if title == "" {
		title = fmt.Sprintf("Key Broker Notification (%s)", ev.Level)
	}

	text := ev.Message
	if ev.KeyName != "" {
		text += fmt.Sprintf(" [key=%s]", ev.KeyName)
	}
	if ev.TaskID != "" {
		text += fmt.Sprintf(" [task=%s]", ev.TaskID)
	}

	payload := slackPayload{
		Attachments: []slackAttachment{{
			Color: levelColor(ev.Level),
			Title: title,
			Text:  text,
			TS:    float64(ev.At.Unix()),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.record(ev.Level, "error")
		log.Error().Err(err).Msg("failed to encode slack payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.record(ev.Level, "error")
		log.Error().Err(err).Msg("failed to build slack request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.record(ev.Level, "error")
		log.Warn().Err(err).Str("level", string(ev.Level)).Msg("slack notification failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		s.record(ev.Level, "error")
		log.Warn().Int("status", resp.StatusCode).Msg("slack webhook returned non-200")
		return
	}
	s.record(ev.Level, "sent")
}

func (s *Slack) record(level Level, status string) {
	if s.metrics != nil {
		s.metrics.NotificationsTotal.WithLabelValues(string(level), status).Inc()
	}
}
