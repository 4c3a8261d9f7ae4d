package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

type workflowRepository struct {
	BaseRepository
}

func NewWorkflowRepository(base BaseRepository) repository.WorkflowRepository {
	return &workflowRepository{base}
}

func (r *workflowRepository) GetByKey(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error) {
	query := `
		SELECT id, enterprise_id, key, channels, active, created_at, updated_at
		FROM workflows
		WHERE enterprise_id = $1 AND key = $2 AND active = TRUE
	`
	var wf model.Workflow
	if err := r.db.GetContext(ctx, &wf, query, enterpriseID, key); err != nil {
		r.observe("get_workflow", err)
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFound("workflow", err)
		}
		return nil, fmt.Errorf("failed to get workflow %s for %s: %w", key, enterpriseID, err)
	}
	r.observe("get_workflow", nil)
	return &wf, nil
}
