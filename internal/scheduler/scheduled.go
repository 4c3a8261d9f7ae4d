package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/metrics"
)

type delayedEnqueuer interface {
	Enqueue(n *model.Notification) error
	EnqueueDelayed(n *model.Notification, delay time.Duration)
}

type ScheduledConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Parallelism  int
	// Records due within this horizon get a delayed enqueue instead of
	// waiting for the next poll tick.
	NearHorizon  time.Duration
	ErrorBackoff time.Duration
}

func (c *ScheduledConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 10
	}
	if c.NearHorizon <= 0 {
		c.NearHorizon = 24 * time.Hour
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Minute
	}
}

// ScheduledProcessor polls the record store for due future-dated records
// and enqueues them. Ticks never overlap: if one is still running when the
// timer fires again, the new tick is skipped, not queued.
type ScheduledProcessor struct {
	cfg     ScheduledConfig
	repo    repository.NotificationRepository
	queue   delayedEnqueuer
	logger  *logger.Logger
	metrics *metrics.Metrics

	isProcessing atomic.Bool
	paused       atomic.Bool
	healthy      atomic.Bool
	backoffUntil atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// scheduled tracks ids already given a delayed enqueue so repeat
	// ticks inside the horizon do not double-arm timers.
	scheduledMu sync.Mutex
	scheduled   map[int64]struct{}
}

func NewScheduledProcessor(cfg ScheduledConfig, repo repository.NotificationRepository, queue delayedEnqueuer, log *logger.Logger, m *metrics.Metrics) *ScheduledProcessor {
	cfg.applyDefaults()
	return &ScheduledProcessor{
		cfg:       cfg,
		repo:      repo,
		queue:     queue,
		logger:    log.WithComponent("scheduled-processor"),
		metrics:   m,
		scheduled: make(map[int64]struct{}),
	}
}

func (p *ScheduledProcessor) Name() string { return "scheduled-processor" }

func (p *ScheduledProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.healthy.Store(true)

	go p.loop()
	p.logger.Info("scheduled processor started",
		"poll_interval", p.cfg.PollInterval.String(),
		"batch_size", p.cfg.BatchSize)
	return nil
}

func (p *ScheduledProcessor) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.logger.Info("scheduled processor stopped")
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// Tick runs one poll pass immediately.
func (p *ScheduledProcessor) Tick() { p.tick() }

// Reconcile runs an immediate poll pass; wired to the control surface's
// force-reconciliation operation.
func (p *ScheduledProcessor) Reconcile(ctx context.Context) error {
	p.tick()
	return nil
}

func (p *ScheduledProcessor) tick() {
	if p.paused.Load() {
		return
	}
	if time.Now().UnixNano() < p.backoffUntil.Load() {
		return
	}
	if !p.isProcessing.CompareAndSwap(false, true) {
		p.metrics.ScheduledTicksTotal.WithLabelValues("skipped_overlap").Inc()
		p.logger.Warn("previous tick still running, skipping")
		return
	}
	defer p.isProcessing.Store(false)

	ctx := context.Background()
	now := time.Now()

	due, err := p.repo.ClaimDue(ctx, now, p.cfg.BatchSize)
	if err != nil {
		p.metrics.ScheduledTicksTotal.WithLabelValues("error").Inc()
		p.healthy.Store(false)
		p.backoffUntil.Store(now.Add(p.cfg.ErrorBackoff).UnixNano())
		p.logger.Error(err, "due-record query failed, backing off",
			"backoff", p.cfg.ErrorBackoff.String())
		return
	}
	p.healthy.Store(true)

	if len(due) > 0 {
		p.enqueueBatch(ctx, due)
	}
	p.armNearTerm(ctx, now)
	p.metrics.ScheduledTicksTotal.WithLabelValues("ok").Inc()
}

// enqueueBatch pushes claimed records with bounded parallelism; one
// record's failure never aborts the batch. A record that cannot be
// enqueued has its claim released so a later tick picks it up again.
func (p *ScheduledProcessor) enqueueBatch(ctx context.Context, due []*model.Notification) {
	sem := make(chan struct{}, p.cfg.Parallelism)
	var wg sync.WaitGroup

	for _, rec := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *model.Notification) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.queue.Enqueue(rec); err != nil {
				p.logger.Warn("due record enqueue failed, releasing claim",
					"notification_id", rec.ID, "error", err.Error())
				if err := p.repo.UpdateStatus(ctx, rec.ID, model.NotificationStatusPending, rec.ErrorDetails, nil, nil); err != nil {
					p.logger.Error(err, "failed to release claim", "notification_id", rec.ID)
				}
			}
		}(rec)
	}
	wg.Wait()
	p.logger.Info("due batch processed", "count", len(due))
}

// armNearTerm gives records due inside the horizon a delayed enqueue so
// they do not wait out the next poll tick.
func (p *ScheduledProcessor) armNearTerm(ctx context.Context, now time.Time) {
	upcoming, err := p.repo.ListUpcoming(ctx, now, now.Add(p.cfg.NearHorizon), p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("upcoming-record query failed", "error", err.Error())
		return
	}

	for _, rec := range upcoming {
		p.scheduledMu.Lock()
		if _, armed := p.scheduled[rec.ID]; armed {
			p.scheduledMu.Unlock()
			continue
		}
		p.scheduled[rec.ID] = struct{}{}
		p.scheduledMu.Unlock()

		delay := time.Until(*rec.ScheduledFor)
		if delay < 0 {
			delay = 0
		}
		p.queue.EnqueueDelayed(rec, delay)
	}
}

func (p *ScheduledProcessor) Pause()  { p.paused.Store(true) }
func (p *ScheduledProcessor) Resume() { p.paused.Store(false) }

func (p *ScheduledProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *ScheduledProcessor) Healthy() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return running && p.healthy.Load()
}
