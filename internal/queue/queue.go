package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/metrics"
)

// Item is the ephemeral wrapper a notification rides through the queue in.
type Item struct {
	Record     *model.Notification
	Attempt    int
	EnqueuedAt time.Time
}

func (i *Item) jobKey() string {
	return fmt.Sprintf("notification-%d", i.Record.ID)
}

type Config struct {
	MaxQueueSize  int
	MaxConcurrent int
	RetryAttempts int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	DrainTimeout  time.Duration
	// Provider fan-out pacing, per tenant.
	ProviderRate  float64
	ProviderBurst int
}

func (c *Config) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ProviderRate <= 0 {
		c.ProviderRate = 50
	}
	if c.ProviderBurst <= 0 {
		c.ProviderBurst = 10
	}
}

type resolver interface {
	Resolve(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error)
}

type deliverer interface {
	Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error)
}

// Queue is the bounded in-process delivery queue with its worker pool.
// Enqueues above MaxQueueSize are dropped (counted and logged), never
// blocked. Items are processed in approximate FIFO order under the
// MaxConcurrent limit; retries re-enter at the tail.
type Queue struct {
	cfg       Config
	repo      repository.NotificationRepository
	workflows resolver
	provider  deliverer
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	items    []*Item
	inFlight map[string]struct{}
	active   int
	paused   bool
	running  bool
	stopping bool
	dropped  uint64
	limiters map[uuid.UUID]*rate.Limiter
	rnd      *rand.Rand

	stopCh chan struct{}
	loopWG sync.WaitGroup
	workWG sync.WaitGroup
}

func New(cfg Config, repo repository.NotificationRepository, workflows resolver, provider deliverer, log *logger.Logger, m *metrics.Metrics) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:       cfg,
		repo:      repo,
		workflows: workflows,
		provider:  provider,
		logger:    log.WithComponent("delivery-queue"),
		metrics:   m,
		inFlight:  make(map[string]struct{}),
		limiters:  make(map[uuid.UUID]*rate.Limiter),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (q *Queue) Name() string { return "delivery-queue" }

// Start launches the background dispatch loop. Idempotent.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	q.running = true
	q.stopping = false
	q.stopCh = make(chan struct{})

	q.loopWG.Add(1)
	go q.dispatchLoop()
	q.logger.Info("delivery queue started",
		"max_queue_size", q.cfg.MaxQueueSize,
		"max_concurrent", q.cfg.MaxConcurrent)
	return nil
}

// Enqueue appends a queue item for the record unless the queue is full or
// the record already has an in-flight item. Full-queue drops are reported,
// not silently lost.
func (q *Queue) Enqueue(n *model.Notification) error {
	if n == nil {
		return apperrors.NewValidation("cannot enqueue nil notification", nil)
	}

	item := &Item{Record: n, Attempt: 1, EnqueuedAt: time.Now()}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		q.logger.Warn("enqueue rejected, queue is shutting down", "notification_id", n.ID)
		return apperrors.NewInfrastructure("queue is shutting down", nil)
	}
	if _, dup := q.inFlight[item.jobKey()]; dup {
		q.logger.Debug("duplicate enqueue ignored", "notification_id", n.ID)
		return nil
	}
	if len(q.items) >= q.cfg.MaxQueueSize {
		q.dropped++
		q.metrics.DroppedTotal.Inc()
		q.logger.Warn("queue full, dropping item",
			"notification_id", n.ID,
			"queue_size", len(q.items))
		return apperrors.NewInfrastructure("queue is full", nil)
	}

	q.inFlight[item.jobKey()] = struct{}{}
	q.items = append(q.items, item)
	q.metrics.EnqueuedTotal.Inc()
	q.metrics.QueueDepth.Set(float64(len(q.items)))
	return nil
}

// EnqueueDelayed schedules an enqueue after delay; used for the near-term
// scheduled fast path. The timer is abandoned on shutdown.
func (q *Queue) EnqueueDelayed(n *model.Notification, delay time.Duration) {
	q.mu.Lock()
	stopCh := q.stopCh
	q.mu.Unlock()
	if stopCh == nil {
		return
	}

	go func() {
		select {
		case <-time.After(delay):
			if err := q.Enqueue(n); err != nil {
				q.logger.Warn("delayed enqueue dropped", "notification_id", n.ID, "error", err.Error())
			}
		case <-stopCh:
		}
	}()
}

// Pause stops new dequeues; in-flight deliveries finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.logger.Info("delivery queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.logger.Info("delivery queue resumed")
}

// Stop stops intake and the dispatch loop, then waits up to DrainTimeout
// for active deliveries before force-proceeding.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.stopping = true
	close(q.stopCh)
	q.mu.Unlock()

	q.loopWG.Wait()

	drained := make(chan struct{})
	go func() {
		q.workWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.logger.Info("delivery queue drained")
	case <-time.After(q.cfg.DrainTimeout):
		q.logger.Warn("drain timeout exceeded, proceeding with shutdown")
	case <-ctx.Done():
		q.logger.Warn("shutdown context cancelled before drain completed")
	}
	return nil
}

// Healthy is false when depth exceeds 80% of capacity or the queue is
// expected to be active but is not.
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false
	}
	return len(q.items) <= (q.cfg.MaxQueueSize*8)/10
}

// Stats is a point-in-time snapshot for health and metrics endpoints.
type Stats struct {
	Depth            int           `json:"depth"`
	ActiveProcessing int           `json:"active_processing"`
	OldestItemAge    time.Duration `json:"oldest_item_age"`
	Dropped          uint64        `json:"dropped"`
	Paused           bool          `json:"paused"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Depth:            len(q.items),
		ActiveProcessing: q.active,
		Dropped:          q.dropped,
		Paused:           q.paused,
	}
	if len(q.items) > 0 {
		s.OldestItemAge = time.Since(q.items[0].EnqueuedAt)
	}
	return s
}

// refreshOldestAge updates the head-of-queue age gauge; called from the
// dispatch loop so the gauge tracks the loop cadence.
func (q *Queue) refreshOldestAge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var age time.Duration
	if len(q.items) > 0 {
		age = time.Since(q.items[0].EnqueuedAt)
	}
	q.metrics.OldestItemAge.Set(age.Seconds())
}

// dispatchLoop pulls items while there is capacity, suspending on a timed
// re-check rather than spinning.
func (q *Queue) dispatchLoop() {
	defer q.loopWG.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			q.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			q.refreshOldestAge()
			for {
				item, ok := q.next()
				if !ok {
					break
				}
				q.workWG.Add(1)
				go q.process(item)
			}
		}
	}
}

// next pops the head item if the queue is active and under the
// concurrency limit.
func (q *Queue) next() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.stopping || q.active >= q.cfg.MaxConcurrent || len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.active++
	q.metrics.QueueDepth.Set(float64(len(q.items)))
	q.metrics.ActiveProcessing.Set(float64(q.active))
	return item, true
}

func (q *Queue) finish(item *Item, requeued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	q.metrics.ActiveProcessing.Set(float64(q.active))
	if !requeued {
		delete(q.inFlight, item.jobKey())
	}
}

// requeueTail appends a retried item to the tail so a failing record does
// not block healthy items behind it. The job key stays reserved across the
// backoff wait.
func (q *Queue) requeueTail(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		delete(q.inFlight, item.jobKey())
		return
	}
	item.EnqueuedAt = time.Now()
	q.items = append(q.items, item)
	q.metrics.QueueDepth.Set(float64(len(q.items)))
}

func (q *Queue) limiterFor(enterpriseID uuid.UUID) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.limiters[enterpriseID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(q.cfg.ProviderRate), q.cfg.ProviderBurst)
		q.limiters[enterpriseID] = l
	}
	return l
}

// backoffDelay computes base*2^(attempt-1) plus a bounded jitter of at
// most 10% of the computed delay.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	base := q.cfg.RetryDelay << uint(attempt-1)
	q.mu.Lock()
	jitter := time.Duration(q.rnd.Int63n(int64(base)/10 + 1))
	q.mu.Unlock()
	return base + jitter
}
