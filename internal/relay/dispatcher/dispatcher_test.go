package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatbridge/relay/internal/relay/domain"
	"github.com/chatbridge/relay/internal/relay/events"
	"github.com/chatbridge/relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory JobStore with the same claim semantics as the
// SQL layer: the conditional transition only succeeds from queued status.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	// message statuses keyed by linked message ID
	messages map[string]string

	queryErr      error
	claimErr      error
	messageErr    error
	requeueCalls  int
	failedCalls   int
	sentCalls     int
	claimAttempts int
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{
		jobs:     make(map[string]*domain.Job),
		messages: make(map[string]string),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) NextQueuedJob(ctx context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

	var oldest *domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobStatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, domain.ErrNoQueuedJobs
	}
	copied := *oldest
	return &copied, nil
}

func (s *fakeStore) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.claimAttempts++

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusQueued {
		return nil, domain.ErrJobAlreadyClaimed
	}

	j.Status = domain.JobStatusProcessing
	j.Attempts++
	copied := *j
	return &copied, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sentCalls++
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobStatusSent
	return nil
}

func (s *fakeStore) Requeue(ctx context.Context, jobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requeueCalls++
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobStatusQueued
	j.LastError = sql.NullString{String: lastError, Valid: true}
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, jobID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failedCalls++
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrJobNotFound
	}
	j.Status = domain.JobStatusFailed
	j.LastError = sql.NullString{String: lastError, Valid: true}
	return nil
}

func (s *fakeStore) SetMessageStatus(ctx context.Context, messageID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.messageErr != nil {
		return s.messageErr
	}
	s.messages[messageID] = status
	return nil
}

func (s *fakeStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// fakeResource is a session.Resource whose Send behavior is scripted.
type fakeResource struct {
	mu        sync.Mutex
	sendErr   error
	sendFunc  func(address, body string) error
	sent      []string // addresses sent to
	sentBody  []string
	closeErr  error
	inboundCh chan domain.InboundMessage
}

func newFakeResource() *fakeResource {
	return &fakeResource{inboundCh: make(chan domain.InboundMessage)}
}

func (r *fakeResource) Send(ctx context.Context, address, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendFunc != nil {
		return r.sendFunc(address, body)
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, address)
	r.sentBody = append(r.sentBody, body)
	return nil
}

func (r *fakeResource) Inbound() <-chan domain.InboundMessage { return r.inboundCh }

func (r *fakeResource) PairingCode(ctx context.Context) (string, error) { return "", nil }

func (r *fakeResource) Close() error { return r.closeErr }

type fakeSessions struct {
	resource session.Resource
	ready    bool
}

func (f *fakeSessions) Current() (session.Resource, bool) {
	if !f.ready {
		return nil, false
	}
	return f.resource, true
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
	err    error
}

func (p *fakePublisher) PublishJobEvent(ctx context.Context, event events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queuedJob(id, destination string, attempts int, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:          id,
		Destination: destination,
		Body:        "hi",
		Status:      domain.JobStatusQueued,
		Attempts:    attempts,
		CreatedAt:   createdAt,
	}
}

func newTestDispatcher(store JobStore, sessions SessionSource, pub events.Publisher, maxAttempts int) *Dispatcher {
	return NewDispatcher(&Config{
		Logger:       testLogger(),
		Store:        store,
		Sessions:     sessions,
		Publisher:    pub,
		PollInterval: time.Second,
		MaxAttempts:  maxAttempts,
	})
}

func TestTick_HappyPath(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	job.LinkedMessageID = sql.NullString{String: "msg-1", Valid: true}

	store := newFakeStore(job)
	resource := newFakeResource()
	pub := &fakePublisher{}
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, pub, 3)

	d.Tick(context.Background())

	got := store.job("job-1")
	assert.Equal(t, domain.JobStatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Sends use the channel addressing scheme, not the display form
	require.Len(t, resource.sent, 1)
	assert.Equal(t, "15551234567@c.us", resource.sent[0])
	assert.Equal(t, "hi", resource.sentBody[0])

	// Linked message mirrors the terminal outcome
	assert.Equal(t, domain.MessageStatusSent, store.messages["msg-1"])

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.JobStatusSent, pub.events[0].Status)
	assert.Equal(t, "job-1", pub.events[0].JobID)
}

func TestTick_SendFailureBelowCeilingRequeues(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 1, time.Now())
	store := newFakeStore(job)
	resource := newFakeResource()
	resource.sendErr = errors.New("transport broke")
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	d.Tick(context.Background())

	got := store.job("job-1")
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.True(t, got.LastError.Valid)
	assert.Contains(t, got.LastError.String, "transport broke")
	assert.Equal(t, 1, store.requeueCalls)
	assert.Equal(t, 0, store.failedCalls)
}

func TestTick_AttemptCeilingBoundary(t *testing.T) {
	tests := []struct {
		name         string
		maxAttempts  int
		priorAttempt int
		wantStatus   string
		wantAttempts int
	}{
		{
			// attempts == max after claim counts as reached
			name:         "reaches ceiling exactly",
			maxAttempts:  2,
			priorAttempt: 1,
			wantStatus:   domain.JobStatusFailed,
			wantAttempts: 2,
		},
		{
			name:         "one below ceiling requeues",
			maxAttempts:  2,
			priorAttempt: 0,
			wantStatus:   domain.JobStatusQueued,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := queuedJob("job-1", "+15551234567", tt.priorAttempt, time.Now())
			job.LinkedMessageID = sql.NullString{String: "msg-1", Valid: true}

			store := newFakeStore(job)
			resource := newFakeResource()
			resource.sendErr = errors.New("send refused")
			pub := &fakePublisher{}
			d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, pub, tt.maxAttempts)

			d.Tick(context.Background())

			got := store.job("job-1")
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantAttempts, got.Attempts)
			require.True(t, got.LastError.Valid)

			if tt.wantStatus == domain.JobStatusFailed {
				assert.Equal(t, domain.MessageStatusFailed, store.messages["msg-1"])
				require.Len(t, pub.events, 1)
				assert.Equal(t, domain.JobStatusFailed, pub.events[0].Status)
			} else {
				// No terminal event for a requeued job
				assert.Empty(t, pub.events)
				assert.Empty(t, store.messages)
			}
		})
	}
}

func TestTick_SessionNotReadyLeavesStoreUntouched(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	store := newFakeStore(job)
	d := newTestDispatcher(store, &fakeSessions{ready: false}, nil, 3)

	d.Tick(context.Background())

	got := store.job("job-1")
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	// The readiness gate runs before the claim, so no claim was attempted
	assert.Equal(t, 0, store.claimAttempts)
}

func TestTick_EmptyQueueIsNoOp(t *testing.T) {
	store := newFakeStore()
	resource := newFakeResource()
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	d.Tick(context.Background())

	assert.Equal(t, 0, store.claimAttempts)
	assert.Empty(t, resource.sent)
}

func TestTick_LostClaimRaceAbortsCleanly(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	store := newFakeStore(job)
	store.claimErr = domain.ErrJobAlreadyClaimed
	resource := newFakeResource()
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	d.Tick(context.Background())

	// No send, no state changes beyond the failed claim itself
	assert.Empty(t, resource.sent)
	assert.Equal(t, 0, store.sentCalls)
	assert.Equal(t, 0, store.requeueCalls)
	assert.Equal(t, 0, store.failedCalls)
}

func TestTick_OldestJobClaimedFirst(t *testing.T) {
	now := time.Now()
	older := queuedJob("job-old", "+15551230001", 0, now.Add(-time.Hour))
	newer := queuedJob("job-new", "+15551230002", 0, now)

	store := newFakeStore(older, newer)
	resource := newFakeResource()
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	d.Tick(context.Background())

	assert.Equal(t, domain.JobStatusSent, store.job("job-old").Status)
	assert.Equal(t, domain.JobStatusQueued, store.job("job-new").Status)
}

func TestTick_MessageMirrorFailureDoesNotRollBackJob(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	job.LinkedMessageID = sql.NullString{String: "msg-1", Valid: true}

	store := newFakeStore(job)
	store.messageErr = errors.New("messages table unavailable")
	resource := newFakeResource()
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	d.Tick(context.Background())

	// Job record is authoritative
	assert.Equal(t, domain.JobStatusSent, store.job("job-1").Status)
}

func TestTick_PublisherFailureDoesNotAffectJobState(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	store := newFakeStore(job)
	resource := newFakeResource()
	pub := &fakePublisher{err: errors.New("broker down")}
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, pub, 3)

	d.Tick(context.Background())

	assert.Equal(t, domain.JobStatusSent, store.job("job-1").Status)
}

func TestTick_QueryErrorAbortsTick(t *testing.T) {
	store := newFakeStore()
	store.queryErr = errors.New("connection reset")
	resource := newFakeResource()
	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	// Must not panic; the error is logged and the loop survives
	d.Tick(context.Background())

	assert.Empty(t, resource.sent)
}

func TestTick_ReentrancyGuard(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	job2 := queuedJob("job-2", "+15551234568", 0, time.Now().Add(time.Minute))
	store := newFakeStore(job, job2)

	blockSend := make(chan struct{})
	entered := make(chan struct{}, 2)
	resource := newFakeResource()
	resource.sendFunc = func(address, body string) error {
		entered <- struct{}{}
		<-blockSend
		return nil
	}

	d := newTestDispatcher(store, &fakeSessions{resource: resource, ready: true}, nil, 3)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Tick(context.Background())
	}()

	<-entered

	// Second tick while the first send is in flight must be a no-op
	d.Tick(context.Background())
	assert.Equal(t, 1, store.claimAttempts)

	close(blockSend)
	wg.Wait()

	// After the first tick finishes, ticks run again
	d.Tick(context.Background())
	assert.Equal(t, 2, store.claimAttempts)
}

// Exactly one of N concurrent claim attempts on the same queued job succeeds.
func TestClaimExclusivity(t *testing.T) {
	job := queuedJob("job-1", "+15551234567", 0, time.Now())
	store := newFakeStore(job)

	const n = 8
	var wins, losses int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimJob(context.Background(), "job-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				losses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, losses)
	assert.Equal(t, 1, store.job("job-1").Attempts)
}
