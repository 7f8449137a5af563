package domain

import "errors"

var (
	// ErrNoQueuedJobs is returned when the queue has nothing eligible to claim
	ErrNoQueuedJobs = errors.New("no queued jobs")

	// ErrJobAlreadyClaimed is returned when the conditional claim update
	// matched zero rows because another dispatcher instance won the race
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrSessionNotReady is returned when a send is attempted without a live session
	ErrSessionNotReady = errors.New("session not ready")
)
