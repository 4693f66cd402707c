// Package alert delivers health findings to an operator webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/rs/zerolog"
)

// Payload is the JSON document POSTed to the webhook
type Payload struct {
	Title       string         `json:"title"`
	Environment string         `json:"environment"`
	Timestamp   time.Time      `json:"timestamp"`
	Issues      []health.Issue `json:"issues"`
}

// Notifier is implemented by Sink
type Notifier interface {
	Send(ctx context.Context, report health.Report) error
}

// Sink posts alert payloads to one webhook URL
type Sink struct {
	url         string
	environment string
	client      *http.Client
	logger      zerolog.Logger
}

var _ Notifier = (*Sink)(nil)

// NewSink creates a sink. An empty url yields a sink that drops every alert.
func NewSink(url, environment string, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		url:         url,
		environment: environment,
		client:      &http.Client{Timeout: timeout},
		logger:      log.WithComponent("alert"),
	}
}

// NewPayload builds the payload for report
func NewPayload(environment string, report health.Report) Payload {
	issues := report.All()
	if issues == nil {
		issues = []health.Issue{}
	}
	return Payload{
		Title:       fmt.Sprintf("Cluster %s is %s", environment, report.State),
		Environment: environment,
		Timestamp:   report.ObservedAt.UTC(),
		Issues:      issues,
	}
}

// Send delivers the report. Delivery failures are logged and counted but
// never returned: alerting must not fail the evaluation that triggered it.
func (s *Sink) Send(ctx context.Context, report health.Report) error {
	if s.url == "" {
		metrics.AlertsSent.WithLabelValues("disabled").Inc()
		return nil
	}

	payload := NewPayload(s.environment, report)
	if err := s.post(ctx, payload); err != nil {
		metrics.AlertsSent.WithLabelValues("failed").Inc()
		metrics.UpdateComponent(metrics.ComponentAlerts, false, err.Error())
		s.logger.Error().Err(err).Str("title", payload.Title).Msg("Alert delivery failed")
		return nil
	}

	metrics.AlertsSent.WithLabelValues("delivered").Inc()
	metrics.UpdateComponent(metrics.ComponentAlerts, true, "")
	s.logger.Info().Str("title", payload.Title).Int("issues", len(payload.Issues)).Msg("Alert delivered")
	return nil
}

func (s *Sink) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
