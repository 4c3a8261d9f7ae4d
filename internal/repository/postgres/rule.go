package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

type ruleRepository struct {
	BaseRepository
}

func NewRuleRepository(base BaseRepository) repository.RuleRepository {
	return &ruleRepository{base}
}

const ruleColumns = `
	id, enterprise_id, trigger_type, trigger_config, workflow_key,
	payload_template, recipients, channels, publish_status, deactivated,
	last_executed_at, created_at, updated_at
`

func (r *ruleRepository) ListActiveCronRules(ctx context.Context) ([]*model.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE trigger_type = $1
		AND publish_status = $2
		AND deactivated = FALSE
		AND (trigger_config->>'enabled')::boolean = TRUE
		ORDER BY created_at ASC
	`
	var rules []*model.Rule
	err := r.db.SelectContext(ctx, &rules, query, model.TriggerTypeCron, model.PublishStatusPublish)
	r.observe("list_cron_rules", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list active cron rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) Get(ctx context.Context, id uuid.UUID) (*model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`

	var rule model.Rule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		r.observe("get_rule", err)
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFound("rule", err)
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	r.observe("get_rule", nil)
	return &rule, nil
}

func (r *ruleRepository) TouchLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE rules
		SET last_executed_at = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, at, id)
	r.observe("touch_rule", err)
	if err != nil {
		return fmt.Errorf("failed to touch rule %s: %w", id, err)
	}
	return nil
}
