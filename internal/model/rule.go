package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerTypeCron TriggerType = "cron"
)

// TriggerConfig is the cron-style trigger configuration of a rule.
// Timezone is an IANA name; empty means UTC.
type TriggerConfig struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
	Enabled    bool   `json:"enabled"`
}

func (c TriggerConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *TriggerConfig) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// Rule is a recurring trigger definition. It is created and updated by an
// external management surface; this core only reads it and touches the
// last-executed bookkeeping.
type Rule struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	EnterpriseID    uuid.UUID     `db:"enterprise_id" json:"enterprise_id"`
	TriggerType     TriggerType   `db:"trigger_type" json:"trigger_type"`
	TriggerConfig   TriggerConfig `db:"trigger_config" json:"trigger_config"`
	WorkflowKey     string        `db:"workflow_key" json:"workflow_key"`
	PayloadTemplate Payload       `db:"payload_template" json:"payload_template"`
	Recipients      StringList    `db:"recipients" json:"recipients"`
	Channels        StringList    `db:"channels" json:"channels"`
	PublishStatus   PublishStatus `db:"publish_status" json:"publish_status"`
	Deactivated     bool          `db:"deactivated" json:"deactivated"`
	LastExecutedAt  *time.Time    `db:"last_executed_at" json:"last_executed_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Schedulable reports whether the rule should hold a live cron handle.
func (r *Rule) Schedulable() bool {
	return r.TriggerType == TriggerTypeCron &&
		r.TriggerConfig.Enabled &&
		r.PublishStatus == PublishStatusPublish &&
		!r.Deactivated
}

// Materialize builds a pending, published notification record from the
// rule's payload template.
func (r *Rule) Materialize(now time.Time) *Notification {
	return &Notification{
		EnterpriseID:  r.EnterpriseID,
		WorkflowKey:   r.WorkflowKey,
		Payload:       r.PayloadTemplate,
		Recipients:    append(StringList(nil), r.Recipients...),
		Channels:      append(StringList(nil), r.Channels...),
		Status:        NotificationStatusPending,
		PublishStatus: PublishStatusPublish,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
