package session

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

// GatewayConfig holds configuration for the local automation gateway client.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
	PollWait    time.Duration // long-poll window for the events endpoint
}

// GatewayOpener opens sessions against a local browser-automation gateway
// that speaks a small HTTP API (start/stop session, send, events, pairing).
type GatewayOpener struct {
	config *GatewayConfig
	client *http.Client
	logger *slog.Logger
}

// NewGatewayOpener creates a new gateway-backed session opener
func NewGatewayOpener(config *GatewayConfig, logger *slog.Logger) *GatewayOpener {
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GatewayOpener{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type startSessionRequest struct {
	ProfilePath string `json:"profile_path"`
}

type gatewayError struct {
	Error string `json:"error"`
}

// Open starts a gateway session bound to profileDir. A 409 or 423 response,
// or an error body carrying a known conflict signature, is reported as
// ErrProfileBusy so the manager can run its cleanup-and-retry protocol.
func (o *GatewayOpener) Open(ctx context.Context, profileDir string) (Resource, error) {
	body, err := json.Marshal(startSessionRequest{ProfilePath: profileDir})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}

	resp, err := o.do(ctx, http.MethodPost, "/api/sessions/start", body)
	if err != nil {
		return nil, fmt.Errorf("failed to start gateway session: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read start response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusLocked:
		return nil, fmt.Errorf("%w: gateway returned %d: %s", ErrProfileBusy, resp.StatusCode, gatewayMessage(respBody))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		err := fmt.Errorf("gateway start failed with status %d: %s", resp.StatusCode, gatewayMessage(respBody))
		if IsBusy(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileBusy, err.Error())
		}
		return nil, err
	}

	sess := &gatewaySession{
		opener:  o,
		logger:  o.logger,
		inbound: make(chan domain.InboundMessage, 64),
		done:    make(chan struct{}),
	}
	go sess.pollEvents()

	o.logger.Info("Gateway session started",
		slog.String("profile_dir", profileDir),
	)

	return sess, nil
}

func gatewayMessage(body []byte) string {
	var ge gatewayError
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error != "" {
		return ge.Error
	}
	return string(body)
}

func (o *GatewayOpener) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.config.APIKey != "" {
		req.Header.Set("X-Api-Key", o.config.APIKey)
	}

	return o.client.Do(req)
}

// gatewaySession is a Resource backed by one live gateway session.
type gatewaySession struct {
	opener  *GatewayOpener
	logger  *slog.Logger
	inbound chan domain.InboundMessage
	done    chan struct{}
}

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

// Send delivers body to a channel-form address via the gateway.
func (s *gatewaySession) Send(ctx context.Context, address, body string) error {
	payload, err := json.Marshal(sendRequest{ChatID: address, Body: body})
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	resp, err := s.opener.do(ctx, http.MethodPost, "/api/send", payload)
	if err != nil {
		return fmt.Errorf("failed to send via gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway send failed with status %d: %s", resp.StatusCode, gatewayMessage(respBody))
	}

	return nil
}

func (s *gatewaySession) Inbound() <-chan domain.InboundMessage {
	return s.inbound
}

type pairingResponse struct {
	Code string `json:"code"`
}

// PairingCode fetches the current pairing code from the gateway. Empty once
// the session is authenticated.
func (s *gatewaySession) PairingCode(ctx context.Context) (string, error) {
	resp, err := s.opener.do(ctx, http.MethodGet, "/api/pairing", nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch pairing code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gateway pairing failed with status %d: %s", resp.StatusCode, gatewayMessage(respBody))
	}

	var pr pairingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("failed to decode pairing response: %w", err)
	}

	return pr.Code, nil
}

// Close stops the gateway session and the event poller. The inbound channel
// is closed by the poller on exit.
func (s *gatewaySession) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := s.opener.do(ctx, http.MethodPost, "/api/sessions/stop", nil)
	if err != nil {
		return fmt.Errorf("failed to stop gateway session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway stop failed with status %d: %s", resp.StatusCode, gatewayMessage(respBody))
	}

	s.logger.Info("Gateway session stopped")
	return nil
}

type gatewayEvent struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// pollEvents long-polls the gateway events endpoint and feeds the inbound
// channel until Close.
func (s *gatewaySession) pollEvents() {
	defer close(s.inbound)

	wait := s.opener.config.PollWait
	if wait <= 0 {
		wait = 20 * time.Second
	}

	path := fmt.Sprintf("/api/events?wait=%d", int(wait.Seconds()))

	for {
		select {
		case <-s.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), wait+10*time.Second)
		resp, err := s.opener.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			cancel()
			s.logger.Warn("Gateway event poll failed",
				slog.String("error", err.Error()),
			)
			select {
			case <-s.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var events []gatewayEvent
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
				s.logger.Warn("Failed to decode gateway events",
					slog.String("error", err.Error()),
				)
			}
		}
		resp.Body.Close()
		cancel()

		for _, ev := range events {
			msg := domain.InboundMessage{
				MessageID: ev.MessageID,
				From:      ev.From,
				Body:      ev.Body,
				Timestamp: time.Unix(ev.Timestamp, 0),
			}
			select {
			case s.inbound <- msg:
			case <-s.done:
				return
			}
		}
	}
}
