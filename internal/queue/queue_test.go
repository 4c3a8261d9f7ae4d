package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyr/dispatch/internal/model"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/metrics"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[int64]*model.Notification
	getErr  error
}

func newFakeRepo(records ...*model.Notification) *fakeRepo {
	r := &fakeRepo{records: make(map[int64]*model.Notification)}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	return r
}

func (r *fakeRepo) Create(ctx context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ID = int64(len(r.records) + 1)
	r.records[n.ID] = n
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id int64) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	rec, ok := r.records[id]
	if !ok {
		return nil, apperrors.NewNotFound("notification", nil)
	}
	clone := *rec
	return &clone, nil
}

func (r *fakeRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	return nil, nil
}

func (r *fakeRepo) ListUpcoming(ctx context.Context, from, until time.Time, limit int) ([]*model.Notification, error) {
	return nil, nil
}

func (r *fakeRepo) MarkProcessing(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Status = model.NotificationStatusProcessing
	}
	return nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id int64, status model.NotificationStatus, details *model.ErrorDetails, txnID *uuid.UUID, processedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return apperrors.NewNotFound("notification", nil)
	}
	rec.Status = status
	rec.ErrorDetails = details
	if txnID != nil {
		rec.TransactionID = txnID
	}
	if processedAt != nil {
		rec.ProcessedAt = processedAt
	}
	return nil
}

func (r *fakeRepo) status(id int64) model.NotificationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id].Status
}

func (r *fakeRepo) record(id int64) model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Workflow{Key: key, Active: true}, nil
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(recipientID string) (string, error)
}

func (f *fakeProvider) Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(recipientID)
	}
	return uuid.NewString(), nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testNotification(id int64) *model.Notification {
	return &model.Notification{
		ID:           id,
		EnterpriseID: uuid.New(),
		WorkflowKey:  "order-shipped",
		Payload: model.Payload{
			Kind: model.PayloadKindPush,
			Push: &model.PushPayload{Title: "Shipped", Body: "Your order is on its way"},
		},
		Recipients:    model.StringList{uuid.NewString()},
		Channels:      model.StringList{"push"},
		Status:        model.NotificationStatusPending,
		PublishStatus: model.PublishStatusPublish,
		CreatedAt:     time.Now(),
	}
}

func testQueue(t *testing.T, cfg Config, repo *fakeRepo, res *fakeResolver, prov *fakeProvider) *Queue {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	q := New(cfg, repo, res, prov, logger.Nop(), metrics.New("test"))
	t.Cleanup(func() { q.Stop(context.Background()) })
	return q
}

func TestDeliverySuccess(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	prov := &fakeProvider{fn: func(string) (string, error) { return uuid.NewString(), nil }}
	q := testQueue(t, Config{}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusSent
	}, 2*time.Second, 10*time.Millisecond)

	got := repo.record(1)
	require.NotNil(t, got.ProcessedAt)
	require.NotNil(t, got.ErrorDetails)
	assert.Len(t, got.ErrorDetails.Recipients, 1)
	assert.True(t, got.ErrorDetails.Recipients[0].Success)
	assert.NotEmpty(t, got.ErrorDetails.Recipients[0].TransactionID)
	assert.Equal(t, 1, prov.callCount())
}

func TestInvalidRecipientFailsWithoutRetry(t *testing.T) {
	rec := testNotification(1)
	rec.Recipients = model.StringList{"not-a-uuid"}
	repo := newFakeRepo(rec)
	prov := &fakeProvider{}
	q := testQueue(t, Config{RetryAttempts: 3}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got := repo.record(1)
	assert.Contains(t, got.ErrorDetails.LastError, "Invalid UUID format")
	assert.Equal(t, 0, prov.callCount(), "validation failures must not reach the provider")
}

func TestQueueBoundDropsExcess(t *testing.T) {
	repo := newFakeRepo()
	q := testQueue(t, Config{MaxQueueSize: 2}, repo, &fakeResolver{}, &fakeProvider{})
	// Not started: items stay queued so the bound is observable.

	assert.NoError(t, q.Enqueue(testNotification(1)))
	assert.NoError(t, q.Enqueue(testNotification(2)))
	err := q.Enqueue(testNotification(3))
	assert.Error(t, err, "third enqueue must be dropped")

	stats := q.Stats()
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestDuplicateEnqueueIgnored(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	q := testQueue(t, Config{MaxQueueSize: 10}, repo, &fakeResolver{}, &fakeProvider{})

	assert.NoError(t, q.Enqueue(rec))
	assert.NoError(t, q.Enqueue(rec))
	assert.Equal(t, 1, q.Stats().Depth)
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	prov := &fakeProvider{fn: func(string) (string, error) {
		return "", apperrors.NewTransient("provider timeout", nil)
	}}
	q := testQueue(t, Config{RetryAttempts: 3, RetryDelay: 5 * time.Millisecond}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Initial attempt plus the full retry budget.
	assert.Equal(t, 4, prov.callCount())
	got := repo.record(1)
	assert.Equal(t, 4, got.ErrorDetails.Attempts)
	assert.Contains(t, got.ErrorDetails.LastError, "provider timeout")
}

func TestPermanentRejectionNotRetried(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	prov := &fakeProvider{fn: func(string) (string, error) {
		return "", apperrors.NewValidation("provider rejected trigger (422)", nil)
	}}
	q := testQueue(t, Config{RetryAttempts: 3, RetryDelay: 5 * time.Millisecond}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, prov.callCount(),
		"a rejection the provider will repeat must not be retried")
	got := repo.record(1)
	assert.Contains(t, got.ErrorDetails.LastError, "provider rejected trigger")
}

func TestMixedRejectionStillRetried(t *testing.T) {
	rec := testNotification(1)
	rejected := uuid.NewString()
	flaky := uuid.NewString()
	rec.Recipients = model.StringList{rejected, flaky}
	repo := newFakeRepo(rec)
	prov := &fakeProvider{fn: func(recipient string) (string, error) {
		if recipient == rejected {
			return "", apperrors.NewValidation("provider rejected trigger (422)", nil)
		}
		return "", apperrors.NewTransient("provider timeout", nil)
	}}
	q := testQueue(t, Config{RetryAttempts: 1, RetryDelay: 5 * time.Millisecond}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	// One transient failure in the batch keeps the retry budget in play.
	assert.Equal(t, 4, prov.callCount())
	got := repo.record(1)
	assert.Equal(t, 2, got.ErrorDetails.Attempts)
}

func TestPartialSuccessIsTerminal(t *testing.T) {
	rec := testNotification(1)
	good := uuid.NewString()
	bad := uuid.NewString()
	rec.Recipients = model.StringList{good, bad}
	repo := newFakeRepo(rec)
	prov := &fakeProvider{fn: func(recipient string) (string, error) {
		if recipient == bad {
			return "", apperrors.NewTransient("mailbox unavailable", nil)
		}
		return uuid.NewString(), nil
	}}
	q := testQueue(t, Config{RetryAttempts: 3}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusPartial
	}, 2*time.Second, 10*time.Millisecond)

	got := repo.record(1)
	require.Len(t, got.ErrorDetails.Recipients, 2)
	outcomes := map[string]bool{}
	for _, r := range got.ErrorDetails.Recipients {
		outcomes[r.Recipient] = r.Success
	}
	assert.True(t, outcomes[good])
	assert.False(t, outcomes[bad])
	// Partial success is terminal, never retried.
	assert.Equal(t, 2, prov.callCount())
}

func TestUnpublishedRecordSkipped(t *testing.T) {
	rec := testNotification(1)
	rec.PublishStatus = model.PublishStatusDraft
	repo := newFakeRepo(rec)
	prov := &fakeProvider{}
	q := testQueue(t, Config{}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return q.Stats().Depth == 0 && q.Stats().ActiveProcessing == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, prov.callCount())
	assert.Equal(t, model.NotificationStatusPending, repo.status(1),
		"unpublished records are skipped, not failed")
}

func TestTerminalRecordNotReprocessed(t *testing.T) {
	rec := testNotification(1)
	rec.Status = model.NotificationStatusSent
	repo := newFakeRepo(rec)
	prov := &fakeProvider{}
	q := testQueue(t, Config{}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return q.Stats().Depth == 0 && q.Stats().ActiveProcessing == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, prov.callCount())
	assert.Equal(t, model.NotificationStatusSent, repo.status(1))
}

func TestMissingWorkflowIsPermanentFailure(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	prov := &fakeProvider{}
	res := &fakeResolver{err: apperrors.NewNotFound("workflow", nil)}
	q := testQueue(t, Config{RetryAttempts: 3}, repo, res, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	assert.Eventually(t, func() bool {
		return repo.status(1) == model.NotificationStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, prov.callCount())
}

func TestConcurrencyBound(t *testing.T) {
	const maxConcurrent = 3
	var inFlight, peak atomic.Int32

	records := make([]*model.Notification, 10)
	for i := range records {
		records[i] = testNotification(int64(i + 1))
	}
	repo := newFakeRepo(records...)
	prov := &fakeProvider{fn: func(string) (string, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return uuid.NewString(), nil
	}}
	q := testQueue(t, Config{MaxConcurrent: maxConcurrent}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	for _, rec := range records {
		require.NoError(t, q.Enqueue(rec))
	}

	assert.Eventually(t, func() bool {
		return prov.callCount() == len(records)
	}, 5*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrent))
}

func TestBackoffMonotonicityWithBoundedJitter(t *testing.T) {
	base := time.Second
	q := testQueue(t, Config{RetryDelay: base}, newFakeRepo(), &fakeResolver{}, &fakeProvider{})

	for attempt := 1; attempt <= 4; attempt++ {
		expected := base << uint(attempt-1)
		for i := 0; i < 50; i++ {
			delay := q.backoffDelay(attempt)
			assert.GreaterOrEqual(t, delay, expected)
			assert.LessOrEqual(t, delay, expected+expected/10)
		}
	}
}

func TestHealthThreshold(t *testing.T) {
	repo := newFakeRepo()
	q := testQueue(t, Config{MaxQueueSize: 10}, repo, &fakeResolver{}, &fakeProvider{})
	require.NoError(t, q.Start(context.Background()))
	q.Pause()

	for i := 1; i <= 8; i++ {
		require.NoError(t, q.Enqueue(testNotification(int64(i))))
	}
	assert.True(t, q.Healthy(), "80% exactly is still healthy")

	require.NoError(t, q.Enqueue(testNotification(9)))
	assert.False(t, q.Healthy(), "above 80% of capacity")
}

func TestOldestAgeGaugeTracksDispatchLoop(t *testing.T) {
	repo := newFakeRepo()
	q := testQueue(t, Config{MaxQueueSize: 10}, repo, &fakeResolver{}, &fakeProvider{})
	require.NoError(t, q.Start(context.Background()))
	q.Pause()

	require.NoError(t, q.Enqueue(testNotification(1)))
	// Stats stays a pure snapshot; the loop owns the gauge.
	q.Stats()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(q.metrics.OldestItemAge) > 0
	}, 2*time.Second, 10*time.Millisecond)

	q.Resume()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(q.metrics.OldestItemAge) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWaitsForActiveDelivery(t *testing.T) {
	rec := testNotification(1)
	repo := newFakeRepo(rec)
	started := make(chan struct{})
	prov := &fakeProvider{fn: func(string) (string, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		return uuid.NewString(), nil
	}}
	q := testQueue(t, Config{DrainTimeout: 2 * time.Second}, repo, &fakeResolver{}, prov)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(rec))

	<-started
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, model.NotificationStatusSent, repo.status(1),
		"stop must wait for the in-flight delivery to finish")
}

func TestEnqueueRejectedWhileStopping(t *testing.T) {
	repo := newFakeRepo()
	q := testQueue(t, Config{}, repo, &fakeResolver{}, &fakeProvider{})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	err := q.Enqueue(testNotification(1))
	assert.Error(t, err)
}
