package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatbridge/relay/internal/relay/domain"
)

// Config holds inbound relay configuration
type Config struct {
	Logger       *slog.Logger
	WebhookURL   string
	SharedSecret string
	HTTPTimeout  time.Duration
}

// Relay forwards messages received on the session to a webhook sink.
// Pass-through with no durable state: a rejected delivery is logged and
// dropped.
type Relay struct {
	logger       *slog.Logger
	webhookURL   string
	sharedSecret string
	client       *http.Client
}

// webhookPayload is the JSON body posted to the sink. From carries the
// normalized display-form address.
type webhookPayload struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// NewRelay creates a new inbound relay
func NewRelay(cfg *Config) *Relay {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Relay{
		logger:       cfg.Logger,
		webhookURL:   cfg.WebhookURL,
		sharedSecret: cfg.SharedSecret,
		client:       &http.Client{Timeout: timeout},
	}
}

// Run drains messages until the channel is closed or ctx is canceled.
func (r *Relay) Run(ctx context.Context, messages <-chan domain.InboundMessage) {
	r.logger.Info("Inbound relay started",
		slog.String("webhook_url", r.webhookURL),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Inbound relay stopped - context canceled")
			return
		case msg, ok := <-messages:
			if !ok {
				r.logger.Info("Inbound relay stopped - session channel closed")
				return
			}
			if err := r.Forward(ctx, msg); err != nil {
				r.logger.Error("Failed to forward inbound message",
					slog.String("message_id", msg.MessageID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Forward posts one inbound message to the webhook. A 200 response means
// accepted; anything else is an error.
func (r *Relay) Forward(ctx context.Context, msg domain.InboundMessage) error {
	payload := webhookPayload{
		From:      domain.NormalizeAddress(msg.From),
		Body:      msg.Body,
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp.Unix(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Secret", r.sharedSecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook rejected message with status %d: %s", resp.StatusCode, string(respBody))
	}

	r.logger.Debug("Inbound message forwarded",
		slog.String("message_id", msg.MessageID),
		slog.String("from", payload.From),
	)

	return nil
}
