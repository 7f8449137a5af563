package domain

import (
	"database/sql"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSent       = "sent"
	JobStatusFailed     = "failed"
)

// Message display statuses mirrored from a job's terminal outcome.
const (
	MessageStatusSent   = "sent"
	MessageStatusFailed = "failed"
)

// Job is one outbound message tracked through the queued → processing →
// {sent | queued | failed} lifecycle. Destination is stored in display form
// ("+15551234567"); conversion to the channel form happens at send time.
type Job struct {
	ID              string         `db:"id"`
	Destination     string         `db:"destination"`
	Body            string         `db:"body"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	LastError       sql.NullString `db:"last_error"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LinkedMessageID sql.NullString `db:"linked_message_id"`
}

// InboundMessage is a message received from the remote network, delivered by
// the session resource to the inbound relay.
type InboundMessage struct {
	MessageID string
	From      string
	Body      string
	Timestamp time.Time
}
