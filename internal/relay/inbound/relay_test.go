package inbound

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelay(t *testing.T, handler http.HandlerFunc) *Relay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewRelay(&Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookURL:   srv.URL,
		SharedSecret: "hook-secret",
	})
}

func TestForward(t *testing.T) {
	var gotSecret string
	var gotPayload map[string]interface{}

	relay := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Relay-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	})

	msg := domain.InboundMessage{
		MessageID: "m-1",
		From:      "447900000001@c.us",
		Body:      "hello",
		Timestamp: time.Unix(1700000000, 0),
	}

	require.NoError(t, relay.Forward(context.Background(), msg))

	assert.Equal(t, "hook-secret", gotSecret)
	// Sender address is forwarded in normalized display form
	assert.Equal(t, "+447900000001", gotPayload["from"])
	assert.Equal(t, "hello", gotPayload["body"])
	assert.Equal(t, "m-1", gotPayload["message_id"])
	assert.Equal(t, float64(1700000000), gotPayload["timestamp"])
}

func TestForward_RejectedByWebhook(t *testing.T) {
	relay := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("bad secret"))
	})

	err := relay.Forward(context.Background(), domain.InboundMessage{MessageID: "m-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "bad secret")
}

func TestRun_DrainsUntilChannelCloses(t *testing.T) {
	received := make(chan struct{}, 10)
	relay := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	})

	messages := make(chan domain.InboundMessage, 2)
	messages <- domain.InboundMessage{MessageID: "m-1", From: "+15551234567", Timestamp: time.Now()}
	messages <- domain.InboundMessage{MessageID: "m-2", From: "+15551234567", Timestamp: time.Now()}
	close(messages)

	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), messages)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after channel close")
	}

	assert.Len(t, received, 2)
}

func TestRun_ForwardErrorDoesNotStopRelay(t *testing.T) {
	calls := 0
	relay := testRelay(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	messages := make(chan domain.InboundMessage, 2)
	messages <- domain.InboundMessage{MessageID: "m-1", Timestamp: time.Now()}
	messages <- domain.InboundMessage{MessageID: "m-2", Timestamp: time.Now()}
	close(messages)

	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), messages)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	assert.Equal(t, 2, calls)
}
