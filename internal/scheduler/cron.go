// Package scheduler holds the two producers that turn rules and
// future-dated records into delivery queue items: the cron rule scheduler
// and the one-shot scheduled processor.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
	"github.com/notifyr/dispatch/pkg/metrics"
)

type enqueuer interface {
	Enqueue(n *model.Notification) error
}

// RuleKey identifies a scheduled rule within its tenant.
type RuleKey struct {
	EnterpriseID uuid.UUID
	RuleID       uuid.UUID
}

// handle owns one rule's running timer. isRunning guards against
// overlapping fires of the same rule.
type handle struct {
	rule      *model.Rule
	cron      *cron.Cron
	isRunning atomic.Bool
}

// CronScheduler maintains one recurring timer per active cron rule. Fires
// for different rules are fully concurrent; fires for the same rule are
// strictly non-overlapping.
type CronScheduler struct {
	rules   repository.RuleRepository
	records repository.NotificationRepository
	queue   enqueuer
	parser  cron.Parser
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	handles map[RuleKey]*handle
	failed  map[RuleKey]string
	running bool
	paused  atomic.Bool
}

func NewCronScheduler(rules repository.RuleRepository, records repository.NotificationRepository, queue enqueuer, log *logger.Logger, m *metrics.Metrics) *CronScheduler {
	return &CronScheduler{
		rules:   rules,
		records: records,
		queue:   queue,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  log.WithComponent("cron-scheduler"),
		metrics: m,
		handles: make(map[RuleKey]*handle),
		failed:  make(map[RuleKey]string),
	}
}

func (s *CronScheduler) Name() string { return "cron-scheduler" }

// Start loads all eligible cron rules and schedules them. A rule whose
// configuration is invalid fails alone; the rest still schedule.
func (s *CronScheduler) Start(ctx context.Context) error {
	rules, err := s.rules.ListActiveCronRules(ctx)
	if err != nil {
		return apperrors.NewInfrastructure("failed to load cron rules", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for _, rule := range rules {
		if err := s.Schedule(rule); err != nil {
			s.logger.Error(err, "rule failed to schedule",
				"rule_id", rule.ID.String(),
				"enterprise_id", rule.EnterpriseID.String())
		}
	}

	s.logger.Info("cron scheduler started", "scheduled", len(s.snapshotHandles()), "failed", s.failedCount())
	return nil
}

// Schedule validates and starts a timer for rule. Scheduling an
// already-scheduled rule is a no-op.
func (s *CronScheduler) Schedule(rule *model.Rule) error {
	key := RuleKey{EnterpriseID: rule.EnterpriseID, RuleID: rule.ID}

	if !rule.Schedulable() {
		return apperrors.NewConfiguration(
			fmt.Sprintf("rule %s is not schedulable (enabled=%t publish=%s deactivated=%t)",
				rule.ID, rule.TriggerConfig.Enabled, rule.PublishStatus, rule.Deactivated), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[key]; exists {
		return nil
	}

	loc := time.UTC
	if tz := rule.TriggerConfig.Timezone; tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			s.markFailedLocked(key, fmt.Sprintf("bad timezone %q", tz))
			return apperrors.NewConfiguration(fmt.Sprintf("rule %s has invalid timezone %q", rule.ID, tz), err)
		}
		loc = parsed
	}

	// An invalid expression is a hard configuration error at schedule
	// time, never a silent skip.
	if _, err := s.parser.Parse(rule.TriggerConfig.Expression); err != nil {
		s.markFailedLocked(key, fmt.Sprintf("bad expression %q", rule.TriggerConfig.Expression))
		return apperrors.NewConfiguration(
			fmt.Sprintf("rule %s has invalid cron expression %q", rule.ID, rule.TriggerConfig.Expression), err)
	}

	h := &handle{rule: rule, cron: cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))}
	if _, err := h.cron.AddFunc(rule.TriggerConfig.Expression, func() { s.fire(h) }); err != nil {
		s.markFailedLocked(key, err.Error())
		return apperrors.NewConfiguration(fmt.Sprintf("rule %s rejected by cron", rule.ID), err)
	}
	h.cron.Start()

	s.handles[key] = h
	delete(s.failed, key)
	s.metrics.SchedulesActive.Set(float64(len(s.handles)))
	s.metrics.SchedulesFailed.Set(float64(len(s.failed)))
	s.logger.Info("rule scheduled",
		"rule_id", rule.ID.String(),
		"expression", rule.TriggerConfig.Expression,
		"timezone", loc.String())
	return nil
}

// Unschedule stops and removes the rule's timer. Records already enqueued
// are unaffected.
func (s *CronScheduler) Unschedule(key RuleKey) {
	s.mu.Lock()
	h, ok := s.handles[key]
	if ok {
		delete(s.handles, key)
	}
	delete(s.failed, key)
	s.metrics.SchedulesActive.Set(float64(len(s.handles)))
	s.metrics.SchedulesFailed.Set(float64(len(s.failed)))
	s.mu.Unlock()

	if ok {
		h.cron.Stop()
		s.logger.Info("rule unscheduled", "rule_id", key.RuleID.String())
	}
}

// Reschedule replaces the rule's timer with one built from the new
// configuration. The old timer is stopped, not mutated in place, so no
// closure keeps stale config alive.
func (s *CronScheduler) Reschedule(rule *model.Rule) error {
	s.Unschedule(RuleKey{EnterpriseID: rule.EnterpriseID, RuleID: rule.ID})
	return s.Schedule(rule)
}

// Reload re-reads the rule set and converges the handle map onto it:
// new rules are scheduled, vanished rules are unscheduled.
func (s *CronScheduler) Reload(ctx context.Context) error {
	rules, err := s.rules.ListActiveCronRules(ctx)
	if err != nil {
		return apperrors.NewInfrastructure("failed to reload cron rules", err)
	}

	want := make(map[RuleKey]*model.Rule, len(rules))
	for _, rule := range rules {
		want[RuleKey{EnterpriseID: rule.EnterpriseID, RuleID: rule.ID}] = rule
	}

	for _, key := range s.snapshotHandles() {
		if _, keep := want[key]; !keep {
			s.Unschedule(key)
		}
	}
	for _, rule := range rules {
		if err := s.Schedule(rule); err != nil {
			s.logger.Error(err, "rule failed to schedule on reload", "rule_id", rule.ID.String())
		}
	}
	return nil
}

// Reconcile converges the handle map against the record store on demand.
func (s *CronScheduler) Reconcile(ctx context.Context) error {
	return s.Reload(ctx)
}

// fire materializes a record from the rule template and enqueues it. If
// the previous fire for the same rule has not finished, this one is
// skipped, never queued behind it.
func (s *CronScheduler) fire(h *handle) {
	if s.paused.Load() {
		s.metrics.CronFiresTotal.WithLabelValues("paused").Inc()
		return
	}
	if !h.isRunning.CompareAndSwap(false, true) {
		s.metrics.CronFiresTotal.WithLabelValues("skipped_overlap").Inc()
		s.logger.Warn("previous fire still executing, skipping",
			"rule_id", h.rule.ID.String())
		return
	}
	defer h.isRunning.Store(false)

	ctx := context.Background()
	now := time.Now()
	rec := h.rule.Materialize(now)

	if err := s.records.Create(ctx, rec); err != nil {
		s.metrics.CronFiresTotal.WithLabelValues("failed").Inc()
		s.logger.Error(err, "failed to materialize record", "rule_id", h.rule.ID.String())
		return
	}
	if err := s.queue.Enqueue(rec); err != nil {
		s.metrics.CronFiresTotal.WithLabelValues("failed").Inc()
		s.logger.Error(err, "failed to enqueue materialized record",
			"rule_id", h.rule.ID.String(), "notification_id", rec.ID)
		return
	}

	if err := s.rules.TouchLastExecuted(ctx, h.rule.ID, now); err != nil {
		s.logger.Error(err, "failed to update last-executed bookkeeping", "rule_id", h.rule.ID.String())
	}
	s.metrics.CronFiresTotal.WithLabelValues("fired").Inc()
	s.logger.Debug("rule fired", "rule_id", h.rule.ID.String(), "notification_id", rec.ID)
}

func (s *CronScheduler) Pause()  { s.paused.Store(true) }
func (s *CronScheduler) Resume() { s.paused.Store(false) }

func (s *CronScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[RuleKey]*handle)
	s.metrics.SchedulesActive.Set(0)
	s.mu.Unlock()

	// cron.Stop returns a context that completes when running jobs do.
	for _, h := range handles {
		select {
		case <-h.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("cron scheduler stopped", "stopped_timers", len(handles))
	return nil
}

func (s *CronScheduler) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && len(s.failed) == 0
}

// Counts reports recurring-schedule totals for the health surface.
type Counts struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Failed       int `json:"failed"`
	Reconnecting int `json:"reconnecting"`
}

func (s *CronScheduler) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Total:  len(s.handles) + len(s.failed),
		Active: len(s.handles),
		Failed: len(s.failed),
	}
}

func (s *CronScheduler) markFailedLocked(key RuleKey, reason string) {
	s.failed[key] = reason
	s.metrics.SchedulesFailed.Set(float64(len(s.failed)))
}

func (s *CronScheduler) snapshotHandles() []RuleKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]RuleKey, 0, len(s.handles))
	for key := range s.handles {
		keys = append(keys, key)
	}
	return keys
}

func (s *CronScheduler) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}
