// Package listener subscribes to record-store "row inserted" events and
// feeds new notification records into the delivery queue.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/messaging"
	"github.com/notifyr/dispatch/pkg/metrics"
)

type enqueuer interface {
	Enqueue(n *model.Notification) error
}

// InsertEvent is the change event published when a notification row is
// inserted. Only the id is trusted; the full record is re-fetched.
type InsertEvent struct {
	ID           int64     `json:"id"`
	EnterpriseID uuid.UUID `json:"enterprise_id"`
}

type Config struct {
	EnterpriseID     uuid.UUID
	ReconnectBackoff time.Duration
}

// Listener owns one tenant-scoped broker subscription. Malformed events
// are logged and dropped, never retried, because the originating record
// may not exist.
type Listener struct {
	cfg     Config
	broker  messaging.Broker
	repo    repository.NotificationRepository
	queue   enqueuer
	logger  *logger.Logger
	metrics *metrics.Metrics

	healthy atomic.Bool
	paused  atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, broker messaging.Broker, repo repository.NotificationRepository, queue enqueuer, log *logger.Logger, m *metrics.Metrics) *Listener {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Minute
	}
	return &Listener{
		cfg:     cfg,
		broker:  broker,
		repo:    repo,
		queue:   queue,
		logger:  log.WithComponent("change-listener"),
		metrics: m,
	}
}

func (l *Listener) Name() string { return "change-listener" }

// Channel is the tenant-scoped pub/sub channel carrying insert events.
func (l *Listener) Channel() string {
	return fmt.Sprintf("notifications:%s:inserted", l.cfg.EnterpriseID)
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgCh, err := l.broker.Subscribe(subCtx, l.Channel())
	if err != nil {
		cancel()
		return apperrors.NewInfrastructure("change subscription failed", err)
	}

	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	l.healthy.Store(true)

	go l.run(subCtx, msgCh)
	l.logger.Info("listening for insert events", "channel", l.Channel())
	return nil
}

// run consumes events until the subscription closes. If the channel dies
// while the listener should still be running, it backs off and
// re-subscribes rather than busy-looping.
func (l *Listener) run(ctx context.Context, msgCh <-chan []byte) {
	defer close(l.done)

	for {
		for msg := range msgCh {
			l.handle(ctx, msg)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		l.healthy.Store(false)
		l.logger.Warn("subscription lost, reconnecting",
			"backoff", l.cfg.ReconnectBackoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectBackoff):
		}

		newCh, err := l.broker.Subscribe(ctx, l.Channel())
		if err != nil {
			l.logger.Error(err, "resubscribe failed")
			continue
		}
		msgCh = newCh
		l.healthy.Store(true)
		l.logger.Info("subscription re-established")
	}
}

func (l *Listener) handle(ctx context.Context, msg []byte) {
	if l.paused.Load() {
		return
	}

	var event InsertEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		l.metrics.IngestedEventsTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("dropping malformed event", "error", err.Error())
		return
	}
	if event.ID == 0 {
		l.metrics.IngestedEventsTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("dropping event without record id")
		return
	}

	// Fetch the full record; the event payload may be partial.
	rec, err := l.repo.Get(ctx, event.ID)
	if err != nil {
		l.metrics.IngestedEventsTotal.WithLabelValues("fetch_error").Inc()
		l.logger.Warn("dropping event, record fetch failed",
			"notification_id", event.ID, "error", err.Error())
		return
	}
	if rec.EnterpriseID != l.cfg.EnterpriseID {
		l.metrics.IngestedEventsTotal.WithLabelValues("wrong_tenant").Inc()
		l.logger.Warn("dropping event for foreign tenant",
			"notification_id", event.ID, "enterprise_id", rec.EnterpriseID.String())
		return
	}

	if err := l.queue.Enqueue(rec); err != nil {
		l.metrics.IngestedEventsTotal.WithLabelValues("enqueue_error").Inc()
		l.logger.Warn("enqueue failed", "notification_id", rec.ID, "error", err.Error())
		return
	}
	l.metrics.IngestedEventsTotal.WithLabelValues("enqueued").Inc()
}

func (l *Listener) Pause()  { l.paused.Store(true) }
func (l *Listener) Resume() { l.paused.Store(false) }

// Stop tears the subscription down so no further events are delivered.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.healthy.Store(false)
	return nil
}

func (l *Listener) Healthy() bool {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	return running && l.healthy.Load()
}
