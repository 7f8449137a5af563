package handler

import (
	"log/slog"

	"github.com/chatbridge/relay/internal/relay/storage"
	"github.com/chatbridge/relay/internal/session"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Storage  *storage.Storage
	Sessions *session.Manager
}

// MessageHandler handles message intake and admin HTTP requests
type MessageHandler struct {
	logger   *slog.Logger
	storage  *storage.Storage
	sessions *session.Manager
}

// NewMessageHandler creates a new MessageHandler instance
func NewMessageHandler(deps *Dependencies) *MessageHandler {
	return &MessageHandler{
		logger:   deps.Logger,
		storage:  deps.Storage,
		sessions: deps.Sessions,
	}
}
