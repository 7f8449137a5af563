package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/chatbridge/relay/internal/relay/events"
	"github.com/chatbridge/relay/internal/session"
)

// JobStore is the subset of the storage layer the dispatcher drives.
type JobStore interface {
	NextQueuedJob(ctx context.Context) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkSent(ctx context.Context, jobID string) error
	Requeue(ctx context.Context, jobID, lastError string) error
	MarkFailed(ctx context.Context, jobID, lastError string) error
	SetMessageStatus(ctx context.Context, messageID, status string) error
}

// SessionSource yields the current session resource when one is Ready.
type SessionSource interface {
	Current() (session.Resource, bool)
}

// Config holds dispatcher configuration
type Config struct {
	Logger       *slog.Logger
	Store        JobStore
	Sessions     SessionSource
	Publisher    events.Publisher // optional; nil disables delivery events
	PollInterval time.Duration
	MaxAttempts  int
}

// Dispatcher drains the outbound queue at a bounded rate with single-flight
// semantics: a fixed-interval timer drives Tick, and a try-lock guarantees at
// most one in-flight send per process. Cross-process safety comes entirely
// from the store's conditional claim.
type Dispatcher struct {
	logger       *slog.Logger
	store        JobStore
	sessions     SessionSource
	publisher    events.Publisher
	pollInterval time.Duration
	maxAttempts  int

	// tickMu is the reentrancy guard. TryLock only; a tick that finds it
	// held is a no-op.
	tickMu sync.Mutex
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(cfg *Config) *Dispatcher {
	return &Dispatcher{
		logger:       cfg.Logger,
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		publisher:    cfg.Publisher,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// Run drives Tick on the poll interval until ctx is canceled. Errors inside a
// tick are logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatcher started",
		slog.Duration("poll_interval", d.pollInterval),
		slog.Int("max_attempts", d.maxAttempts),
	)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped - context canceled")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick claims and sends at most one job. If a previous tick is still in
// flight the call returns immediately.
func (d *Dispatcher) Tick(ctx context.Context) {
	if !d.tickMu.TryLock() {
		d.logger.Debug("Tick skipped - previous tick still in flight")
		return
	}
	defer d.tickMu.Unlock()

	if err := d.tick(ctx); err != nil {
		d.logger.Error("Tick failed",
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	// Readiness is checked before the claim so a tick with no session leaves
	// the store untouched: no attempt is burned on a condition that no retry
	// of the job itself can fix.
	sess, ready := d.sessions.Current()
	if !ready {
		d.logger.Debug("Tick skipped - session not ready")
		return nil
	}

	next, err := d.store.NextQueuedJob(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoQueuedJobs) {
			return nil
		}
		return fmt.Errorf("failed to query queue: %w", err)
	}

	job, err := d.store.ClaimJob(ctx, next.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			// Another instance won the race. Nothing was mutated here.
			d.logger.Debug("Lost claim race",
				slog.String("job_id", next.ID),
			)
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	address := domain.ChannelAddress(job.Destination)

	d.logger.Info("Sending job",
		slog.String("job_id", job.ID),
		slog.String("destination", job.Destination),
		slog.Int("attempts", job.Attempts),
	)

	if err := sess.Send(ctx, address, job.Body); err != nil {
		return d.reconcileFailure(ctx, job, err)
	}

	return d.reconcileSuccess(ctx, job)
}

func (d *Dispatcher) reconcileSuccess(ctx context.Context, job *domain.Job) error {
	if err := d.store.MarkSent(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}

	// The job row is authoritative; a failed mirror update never rolls back
	// the sent status.
	if job.LinkedMessageID.Valid {
		if err := d.store.SetMessageStatus(ctx, job.LinkedMessageID.String, domain.MessageStatusSent); err != nil {
			d.logger.Warn("Failed to mirror sent status to linked message",
				slog.String("job_id", job.ID),
				slog.String("message_id", job.LinkedMessageID.String),
				slog.String("error", err.Error()),
			)
		}
	}

	d.logger.Info("Job sent",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
	)

	d.publish(ctx, events.JobSent(job, ""))
	return nil
}

func (d *Dispatcher) reconcileFailure(ctx context.Context, job *domain.Job, sendErr error) error {
	d.logger.Error("Send failed",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", d.maxAttempts),
		slog.String("error", sendErr.Error()),
	)

	// job.Attempts is the post-claim value returned by the conditional
	// update. Reaching the ceiling exactly counts as reached.
	if job.Attempts >= d.maxAttempts {
		if err := d.store.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}

		if job.LinkedMessageID.Valid {
			if err := d.store.SetMessageStatus(ctx, job.LinkedMessageID.String, domain.MessageStatusFailed); err != nil {
				d.logger.Warn("Failed to mirror failed status to linked message",
					slog.String("job_id", job.ID),
					slog.String("message_id", job.LinkedMessageID.String),
					slog.String("error", err.Error()),
				)
			}
		}

		d.logger.Warn("Job exhausted attempt ceiling",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
		)

		d.publish(ctx, events.JobFailed(job, sendErr.Error()))
		return nil
	}

	if err := d.store.Requeue(ctx, job.ID, sendErr.Error()); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	d.logger.Info("Job requeued for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
	)

	return nil
}

// publish emits a delivery event, best-effort. A broker outage never changes
// job state or fails a tick.
func (d *Dispatcher) publish(ctx context.Context, event events.JobEvent) {
	if d.publisher == nil {
		return
	}

	if err := d.publisher.PublishJobEvent(ctx, event); err != nil {
		d.logger.Warn("Failed to publish delivery event",
			slog.String("job_id", event.JobID),
			slog.String("event", event.Status),
			slog.String("error", err.Error()),
		)
	}
}
