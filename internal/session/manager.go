package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// State is the lifecycle manager's acquisition state.
type State int

const (
	StateInit State = iota
	StateCleaning
	StateAcquiring
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCleaning:
		return "cleaning"
	case StateAcquiring:
		return "acquiring"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds session manager configuration
type Config struct {
	Logger      *slog.Logger
	Opener      Opener
	ProfileDir  string
	MaxAttempts int           // acquisition attempts before giving up
	BackoffBase time.Duration // per-attempt backoff unit
}

const (
	defaultMaxAttempts = 3
	minBackoff         = time.Second
)

// Manager owns acquisition, busy-conflict recovery, and release of the
// session resource. A fresh restart on reused infrastructure commonly finds
// lock artifacts from a dead process; the manager clears those and retries
// before treating the conflict as real.
type Manager struct {
	logger      *slog.Logger
	opener      Opener
	profileDir  string
	maxAttempts int
	backoffBase time.Duration

	mu       sync.RWMutex
	state    State
	resource Resource
}

// NewManager creates a new session lifecycle manager
func NewManager(cfg *Config) *Manager {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	backoffBase := cfg.BackoffBase
	if backoffBase < minBackoff {
		backoffBase = minBackoff
	}

	return &Manager{
		logger:      cfg.Logger,
		opener:      cfg.Opener,
		profileDir:  cfg.ProfileDir,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		state:       StateInit,
	}
}

// Acquire drives the state machine to Ready or Failed. On a busy-classified
// open failure it cleans the profile directory's volatile artifacts and
// retries with linear backoff, up to the attempt ceiling. Any other failure,
// or ceiling exhaustion, is fatal: the caller must not run without a session.
//
// Normal conflict recovery only ever deletes volatile artifacts. Replacing
// the profile directory would also clear the conflict but loses durable
// authentication state and forces re-pairing.
func (m *Manager) Acquire(ctx context.Context) (Resource, error) {
	m.setState(StateInit)

	if err := os.MkdirAll(m.profileDir, 0o755); err != nil {
		m.setState(StateFailed)
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		m.setState(StateCleaning)
		if err := CleanProfileDir(m.profileDir, m.logger); err != nil {
			m.setState(StateFailed)
			return nil, fmt.Errorf("failed to clean profile directory: %w", err)
		}

		m.setState(StateAcquiring)
		m.logger.Info("Acquiring session",
			slog.String("profile_dir", m.profileDir),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.maxAttempts),
		)

		resource, err := m.opener.Open(ctx, m.profileDir)
		if err == nil {
			m.mu.Lock()
			m.state = StateReady
			m.resource = resource
			m.mu.Unlock()

			m.logger.Info("Session ready",
				slog.String("profile_dir", m.profileDir),
				slog.Int("attempt", attempt),
			)
			return resource, nil
		}

		lastErr = err

		if !IsBusy(err) {
			m.setState(StateFailed)
			return nil, fmt.Errorf("failed to acquire session: %w", err)
		}

		m.logger.Warn("Session acquisition hit profile-busy conflict",
			slog.String("profile_dir", m.profileDir),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < m.maxAttempts {
			delay := Backoff(attempt, m.backoffBase)
			m.logger.Info("Retrying session acquisition",
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.setState(StateFailed)
				return nil, fmt.Errorf("session acquisition canceled: %w", ctx.Err())
			}
		}
	}

	m.setState(StateFailed)
	return nil, fmt.Errorf("failed to acquire session after %d attempts: %w", m.maxAttempts, lastErr)
}

// Backoff returns the delay before the next acquisition attempt: linear in
// the attempt number, never below the one-second floor. Long enough for
// filesystem operations and a competing process to settle.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base < minBackoff {
		base = minBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// Current returns the live resource and whether the session is Ready.
func (m *Manager) Current() (Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady {
		return nil, false
	}
	return m.resource, true
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close releases the session resource. Safe to call on every shutdown path,
// including when acquisition never reached Ready.
func (m *Manager) Close() error {
	m.mu.Lock()
	resource := m.resource
	m.resource = nil
	m.state = StateClosed
	m.mu.Unlock()

	if resource == nil {
		return nil
	}

	m.logger.Info("Closing session",
		slog.String("profile_dir", m.profileDir),
	)

	if err := resource.Close(); err != nil {
		m.logger.Error("Failed to close session",
			slog.String("error", err.Error()),
		)
		return err
	}

	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("Session state transition",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}
