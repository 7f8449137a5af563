package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/chatbridge/relay/shared/rabbitmq"
)

// Routing keys for delivery events on the topic exchange.
const (
	RoutingKeyJobSent   = "job.sent"
	RoutingKeyJobFailed = "job.failed"
)

// JobEvent is the envelope published when a job reaches a terminal status.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// JobSent builds the event for a successfully delivered job.
func JobSent(job *domain.Job, errMsg string) JobEvent {
	return newEvent(job, domain.JobStatusSent, errMsg)
}

// JobFailed builds the event for a job that exhausted its attempt ceiling.
func JobFailed(job *domain.Job, errMsg string) JobEvent {
	return newEvent(job, domain.JobStatusFailed, errMsg)
}

func newEvent(job *domain.Job, status, errMsg string) JobEvent {
	return JobEvent{
		JobID:       job.ID,
		Destination: job.Destination,
		Status:      status,
		Attempts:    job.Attempts,
		Error:       errMsg,
		OccurredAt:  time.Now().UTC(),
	}
}

// Publisher emits delivery events for external consumers.
type Publisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
}

// AMQPPublisher publishes delivery events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	client *rabbitmq.Client
}

// NewAMQPPublisher creates a new AMQP-backed event publisher
func NewAMQPPublisher(client *rabbitmq.Client) *AMQPPublisher {
	return &AMQPPublisher{client: client}
}

// PublishJobEvent marshals and publishes one event. Routing key follows the
// terminal status.
func (p *AMQPPublisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	routingKey := RoutingKeyJobSent
	if event.Status == domain.JobStatusFailed {
		routingKey = RoutingKeyJobFailed
	}

	if err := p.client.Publish(ctx, routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	return nil
}
