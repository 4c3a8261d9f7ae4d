package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
)

// All repository interfaces in one file
type (
	// NotificationRepository is the record store contract for notification
	// records. Status mutations are owned by whichever component currently
	// holds the job.
	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id int64) (*model.Notification, error)
		// ClaimDue atomically claims due PENDING/PUBLISH records (oldest
		// first, skipping rows locked by a competing claim) and marks them
		// PROCESSING so overlapping pollers never double-deliver.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
		// ListUpcoming returns PENDING/PUBLISH records scheduled inside
		// (from, until], oldest first.
		ListUpcoming(ctx context.Context, from, until time.Time, limit int) ([]*model.Notification, error)
		MarkProcessing(ctx context.Context, id int64) error
		UpdateStatus(ctx context.Context, id int64, status model.NotificationStatus, details *model.ErrorDetails, txnID *uuid.UUID, processedAt *time.Time) error
	}

	// RuleRepository reads recurring trigger definitions. Rules are
	// authored externally; only last-executed bookkeeping is written here.
	RuleRepository interface {
		ListActiveCronRules(ctx context.Context) ([]*model.Rule, error)
		Get(ctx context.Context, id uuid.UUID) (*model.Rule, error)
		TouchLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	// WorkflowRepository resolves the channel/content configuration a
	// notification targets.
	WorkflowRepository interface {
		GetByKey(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error)
	}
)
