package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/validation"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
)

func (q *Queue) process(item *Item) {
	defer q.workWG.Done()
	start := time.Now()

	ctx := context.Background()
	requeued := q.deliver(ctx, item)

	q.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	q.finish(item, requeued)
}

// deliver runs the per-item pipeline. It returns true when the item was
// handed back to the queue for a retry and its job key must stay reserved.
func (q *Queue) deliver(ctx context.Context, item *Item) bool {
	log := q.logger.WithFields(map[string]interface{}{
		"notification_id": item.Record.ID,
		"attempt":         item.Attempt,
	})

	// Re-fetch so the publish gate and terminal check see current state,
	// not the snapshot taken at enqueue time.
	fresh, err := q.repo.Get(ctx, item.Record.ID)
	if err != nil {
		if apperrors.IsValidation(err) {
			log.Warn("record vanished before delivery, dropping")
			return false
		}
		return q.retryOrFail(ctx, item, nil, apperrors.NewInfrastructure("record fetch failed", err), log)
	}
	item.Record = fresh
	rec := fresh

	if rec.PublishStatus != model.PublishStatusPublish {
		log.Info("record not published, skipping", "publish_status", string(rec.PublishStatus))
		return false
	}
	if rec.Status.Terminal() {
		log.Info("record already terminal, skipping", "status", string(rec.Status))
		return false
	}

	if err := q.repo.MarkProcessing(ctx, rec.ID); err != nil {
		return q.retryOrFail(ctx, item, nil, apperrors.NewInfrastructure("failed to mark processing", err), log)
	}

	if err := validation.ValidateRecipients(rec.Recipients); err != nil {
		log.Warn("recipient validation failed", "error", err.Error())
		q.conclude(ctx, item, model.NotificationStatusFailed, nil, err.Error(), log)
		return false
	}

	wf, err := q.workflows.Resolve(ctx, rec.EnterpriseID, rec.WorkflowKey)
	if err != nil {
		if apperrors.IsValidation(err) {
			log.Warn("workflow missing", "workflow_key", rec.WorkflowKey)
			q.conclude(ctx, item, model.NotificationStatusFailed, nil, err.Error(), log)
			return false
		}
		return q.retryOrFail(ctx, item, nil, err, log)
	}

	results, permanentOnly := q.fanOut(ctx, rec, wf.Key)

	succeeded := 0
	var lastErr string
	for _, res := range results {
		if res.Success {
			succeeded++
		} else {
			lastErr = res.Error
		}
	}

	switch {
	case succeeded == len(results):
		q.conclude(ctx, item, model.NotificationStatusSent, results, "", log)
		return false
	case succeeded > 0:
		// Partial success is a distinct terminal state, not folded into
		// FAILED, and is not retried.
		q.conclude(ctx, item, model.NotificationStatusPartial, results, lastErr, log)
		return false
	case permanentOnly:
		// Every recipient was rejected outright. Retrying replays the same
		// rejections, so conclude FAILED immediately.
		log.Warn("provider rejected all recipients", "error", lastErr)
		q.conclude(ctx, item, model.NotificationStatusFailed, results, lastErr, log)
		return false
	default:
		return q.retryOrFail(ctx, item, results, apperrors.NewTransient(lastErr, nil), log)
	}
}

// fanOut invokes the provider once per recipient, in parallel, paced by
// the tenant's rate limiter. Result order matches recipient order. The
// second return reports whether every failure was a permanent rejection,
// so the caller can skip retries that would only replay them.
func (q *Queue) fanOut(ctx context.Context, rec *model.Notification, workflowKey string) ([]model.RecipientResult, bool) {
	limiter := q.limiterFor(rec.EnterpriseID)
	results := make([]model.RecipientResult, len(rec.Recipients))
	permanent := make([]bool, len(rec.Recipients))

	var wg sync.WaitGroup
	for i, recipient := range rec.Recipients {
		wg.Add(1)
		go func(i int, recipient string) {
			defer wg.Done()
			results[i] = model.RecipientResult{Recipient: recipient}

			if err := limiter.Wait(ctx); err != nil {
				results[i].Error = err.Error()
				return
			}
			txnID, err := q.provider.Trigger(ctx, workflowKey, recipient, rec.Payload, rec.Overrides)
			if err != nil {
				results[i].Error = err.Error()
				permanent[i] = apperrors.IsValidation(err)
				return
			}
			results[i].Success = true
			results[i].TransactionID = txnID
		}(i, recipient)
	}
	wg.Wait()

	permanentOnly := true
	for i, res := range results {
		if !res.Success && !permanent[i] {
			permanentOnly = false
		}
	}
	return results, permanentOnly
}

// retryOrFail schedules a backoff retry while the budget lasts, otherwise
// concludes the record as FAILED.
func (q *Queue) retryOrFail(ctx context.Context, item *Item, results []model.RecipientResult, cause error, log *logger.Logger) bool {
	retriesUsed := item.Attempt - 1
	if retriesUsed >= q.cfg.RetryAttempts {
		log.Warn("retry attempts exhausted", "retries", retriesUsed, "error", cause.Error())
		q.conclude(ctx, item, model.NotificationStatusFailed, results, cause.Error(), log)
		return false
	}

	delay := q.backoffDelay(item.Attempt)
	item.Attempt++
	q.metrics.RetriesTotal.Inc()
	log.Info("scheduling retry", "delay", delay.String(), "error", cause.Error())

	// Put the record back to PENDING so an operator sees it is awaiting a
	// retry, not stuck mid-flight.
	details := &model.ErrorDetails{
		Attempts:   item.Attempt - 1,
		LastError:  cause.Error(),
		Recipients: results,
	}
	if err := q.repo.UpdateStatus(ctx, item.Record.ID, model.NotificationStatusPending, details, nil, nil); err != nil {
		log.Error(err, "failed to persist retry bookkeeping")
	}

	q.mu.Lock()
	stopCh := q.stopCh
	q.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
			q.requeueTail(item)
		case <-stopCh:
			q.mu.Lock()
			delete(q.inFlight, item.jobKey())
			q.mu.Unlock()
		}
	}()
	return true
}

// conclude persists a terminal status with the per-recipient breakdown and
// processedAt timestamp.
func (q *Queue) conclude(ctx context.Context, item *Item, status model.NotificationStatus, results []model.RecipientResult, lastErr string, log *logger.Logger) {
	now := time.Now()
	details := &model.ErrorDetails{
		Attempts:   item.Attempt,
		LastError:  lastErr,
		Recipients: results,
	}

	var txnID *uuid.UUID
	if status == model.NotificationStatusSent && len(results) > 0 {
		if parsed, err := uuid.Parse(results[0].TransactionID); err == nil {
			txnID = &parsed
		}
	}

	if err := q.repo.UpdateStatus(ctx, item.Record.ID, status, details, txnID, &now); err != nil {
		log.Error(err, "failed to persist terminal status", "status", string(status))
		return
	}
	q.metrics.ProcessedTotal.WithLabelValues(string(status)).Inc()
	log.Info("delivery concluded", "status", string(status))
}
