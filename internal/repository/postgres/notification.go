package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

const notificationColumns = `
	id, transaction_id, enterprise_id, business_id, workflow_key, payload,
	recipients, channels, overrides, status, publish_status, scheduled_for,
	error_details, processed_at, created_at, updated_at
`

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = model.NotificationStatusPending
	}

	query := `
		INSERT INTO notifications (
			transaction_id, enterprise_id, business_id, workflow_key, payload,
			recipients, channels, overrides, status, publish_status,
			scheduled_for, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		n.TransactionID,
		n.EnterpriseID,
		n.BusinessID,
		n.WorkflowKey,
		n.Payload,
		n.Recipients,
		n.Channels,
		n.Overrides,
		n.Status,
		n.PublishStatus,
		n.ScheduledFor,
		n.CreatedAt,
		n.UpdatedAt,
	).Scan(&n.ID)
	r.observe("create_notification", err)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id int64) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	var n model.Notification
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		r.observe("get_notification", err)
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFound("notification", err)
		}
		return nil, fmt.Errorf("failed to get notification %d: %w", id, err)
	}
	r.observe("get_notification", nil)
	return &n, nil
}

// ClaimDue marks due pending records PROCESSING inside one transaction so a
// competing poller (after a restart overlap) never claims the same rows.
func (r *notificationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	var claimed []*model.Notification
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			SELECT ` + notificationColumns + `
			FROM notifications
			WHERE status = $1
			AND publish_status = $2
			AND scheduled_for IS NOT NULL
			AND scheduled_for <= $3
			ORDER BY scheduled_for ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		`
		if err := tx.SelectContext(ctx, &claimed, query,
			model.NotificationStatusPending, model.PublishStatusPublish, now, limit); err != nil {
			return fmt.Errorf("failed to select due notifications: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]int64, len(claimed))
		for i, n := range claimed {
			ids[i] = n.ID
			n.Status = model.NotificationStatusProcessing
		}
		update, args, err := sqlx.In(
			`UPDATE notifications SET status = ?, updated_at = NOW() WHERE id IN (?)`,
			model.NotificationStatusProcessing, ids)
		if err != nil {
			return fmt.Errorf("failed to build claim update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(update), args...); err != nil {
			return fmt.Errorf("failed to claim due notifications: %w", err)
		}
		return nil
	})
	r.observe("claim_due", err)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *notificationRepository) ListUpcoming(ctx context.Context, from, until time.Time, limit int) ([]*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1
		AND publish_status = $2
		AND scheduled_for > $3
		AND scheduled_for <= $4
		ORDER BY scheduled_for ASC
		LIMIT $5
	`
	var upcoming []*model.Notification
	err := r.db.SelectContext(ctx, &upcoming, query,
		model.NotificationStatusPending, model.PublishStatusPublish, from, until, limit)
	r.observe("list_upcoming", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming notifications: %w", err)
	}
	return upcoming, nil
}

func (r *notificationRepository) MarkProcessing(ctx context.Context, id int64) error {
	query := `
		UPDATE notifications
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, model.NotificationStatusProcessing, id)
	r.observe("mark_processing", err)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d processing: %w", id, err)
	}
	return nil
}

func (r *notificationRepository) UpdateStatus(ctx context.Context, id int64, status model.NotificationStatus, details *model.ErrorDetails, txnID *uuid.UUID, processedAt *time.Time) error {
	query := `
		UPDATE notifications
		SET status = $1,
			error_details = $2,
			transaction_id = COALESCE($3, transaction_id),
			processed_at = COALESCE($4, processed_at),
			updated_at = NOW()
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, status, details, txnID, processedAt, id)
	r.observe("update_status", err)
	if err != nil {
		return fmt.Errorf("failed to update notification %d status: %w", id, err)
	}
	return nil
}
