package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the relay
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnqueueJob inserts a new outbound job in queued status and returns its ID.
// The destination is stored in normalized display form.
func (s *Storage) EnqueueJob(ctx context.Context, destination, body string, linkedMessageID string) (string, error) {
	query := `
		INSERT INTO outbound_jobs (
			id, destination, body, status, attempts, created_at, updated_at, linked_message_id
		) VALUES (
			$1, $2, $3, $4, 0, NOW(), NOW(), $5
		)
	`

	id := uuid.NewString()

	var linked sql.NullString
	if linkedMessageID != "" {
		linked = sql.NullString{String: linkedMessageID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		id,
		domain.NormalizeAddress(destination),
		body,
		domain.JobStatusQueued,
		linked,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", id),
		slog.String("destination", domain.NormalizeAddress(destination)),
	)

	return id, nil
}

// NextQueuedJob returns the oldest queued job, or ErrNoQueuedJobs when the
// queue is drained. Ordering is created_at ascending with id as tie-breaker.
func (s *Storage) NextQueuedJob(ctx context.Context) (*domain.Job, error) {
	query := `
		SELECT id, destination, body, status, attempts, last_error, created_at, updated_at, linked_message_id
		FROM outbound_jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusQueued)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNoQueuedJobs
		}
		return nil, fmt.Errorf("failed to query next queued job: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts the conditional queued → processing transition,
// incrementing attempts in the same statement. The status guard in the WHERE
// clause is the sole cross-process exclusivity mechanism: if another instance
// already claimed the job the update matches zero rows and
// ErrJobAlreadyClaimed is returned with no state touched.
//
// The returned job carries the post-claim attempts value; callers must use it,
// not a pre-claim snapshot, for the retry-ceiling decision.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE outbound_jobs
		SET status = $1,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
		RETURNING id, destination, body, status, attempts, last_error, created_at, updated_at, linked_message_id
	`

	var job domain.Job
	err := s.db.QueryRowxContext(ctx, query, domain.JobStatusProcessing, jobID, domain.JobStatusQueued).StructScan(&job)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or no longer queued",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
	)

	return &job, nil
}

// MarkSent records a successful send. Terminal: no further transitions.
func (s *Storage) MarkSent(ctx context.Context, jobID string) error {
	query := `
		UPDATE outbound_jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusSent, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}

	return s.checkOwnership(result, jobID, domain.JobStatusSent)
}

// Requeue returns a claimed job to queued status after a failed send attempt,
// recording the failure description. Attempts are not touched; the increment
// happened at claim time.
func (s *Storage) Requeue(ctx context.Context, jobID, lastError string) error {
	query := `
		UPDATE outbound_jobs
		SET status = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, lastError, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	return s.checkOwnership(result, jobID, domain.JobStatusQueued)
}

// MarkFailed records a terminal failure once the attempt ceiling is reached.
func (s *Storage) MarkFailed(ctx context.Context, jobID, lastError string) error {
	query := `
		UPDATE outbound_jobs
		SET status = $1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, lastError, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return s.checkOwnership(result, jobID, domain.JobStatusFailed)
}

// SetMessageStatus mirrors a job's terminal outcome onto its linked message
// record. Callers treat failures as best-effort: the job row is authoritative.
func (s *Storage) SetMessageStatus(ctx context.Context, messageID, status string) error {
	query := `
		UPDATE messages
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, status, messageID)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Message status update - no rows affected",
			slog.String("message_id", messageID),
			slog.String("status", status),
		)
	}

	return nil
}

// ListJobs returns jobs optionally filtered by status, newest first.
func (s *Storage) ListJobs(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	query := `
		SELECT id, destination, body, status, attempts, last_error, created_at, updated_at, linked_message_id
		FROM outbound_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountByStatus returns queue depth per job status.
func (s *Storage) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*) AS count
		FROM outbound_jobs
		GROUP BY status
	`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// checkOwnership flags terminal/requeue updates that matched zero rows. Only
// the claim owner reaches these paths, so zero rows indicates the job left
// processing status unexpectedly.
func (s *Storage) checkOwnership(result sql.Result, jobID, wantStatus string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job status update - no rows affected (job not in processing status)",
			slog.String("job_id", jobID),
			slog.String("wanted_status", wantStatus),
		)
		return domain.ErrJobNotFound
	}

	s.logger.Debug("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", wantStatus),
	)

	return nil
}
