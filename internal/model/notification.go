package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending    NotificationStatus = "PENDING"
	NotificationStatusProcessing NotificationStatus = "PROCESSING"
	NotificationStatusSent       NotificationStatus = "SENT"
	NotificationStatusPartial    NotificationStatus = "PARTIAL"
	NotificationStatusFailed     NotificationStatus = "FAILED"
	NotificationStatusRetracted  NotificationStatus = "RETRACTED"
)

// Terminal reports whether no further automatic processing may touch a
// record in this status.
func (s NotificationStatus) Terminal() bool {
	switch s {
	case NotificationStatusSent, NotificationStatusPartial,
		NotificationStatusFailed, NotificationStatusRetracted:
		return true
	}
	return false
}

type PublishStatus string

const (
	PublishStatusDraft   PublishStatus = "DRAFT"
	PublishStatusPublish PublishStatus = "PUBLISH"
	PublishStatusDiscard PublishStatus = "DISCARD"
	PublishStatusDeleted PublishStatus = "DELETED"
	PublishStatusNone    PublishStatus = "NONE"
)

// Notification is the unit of delivery. Only PUBLISH records are eligible
// for dispatch; the gate is re-checked before every attempt.
type Notification struct {
	ID            int64              `db:"id" json:"id"`
	TransactionID *uuid.UUID         `db:"transaction_id" json:"transaction_id,omitempty"`
	EnterpriseID  uuid.UUID          `db:"enterprise_id" json:"enterprise_id"`
	BusinessID    *uuid.UUID         `db:"business_id" json:"business_id,omitempty"`
	WorkflowKey   string             `db:"workflow_key" json:"workflow_key"`
	Payload       Payload            `db:"payload" json:"payload"`
	Recipients    StringList         `db:"recipients" json:"recipients"`
	Channels      StringList         `db:"channels" json:"channels"`
	Overrides     OverrideMap        `db:"overrides" json:"overrides,omitempty"`
	Status        NotificationStatus `db:"status" json:"status"`
	PublishStatus PublishStatus      `db:"publish_status" json:"publish_status"`
	ScheduledFor  *time.Time         `db:"scheduled_for" json:"scheduled_for,omitempty"`
	ErrorDetails  *ErrorDetails      `db:"error_details" json:"error_details,omitempty"`
	ProcessedAt   *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

// RecipientResult is the per-recipient outcome of a delivery fan-out.
type RecipientResult struct {
	Recipient     string `json:"recipient"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorDetails is the structured failure/partial-result payload persisted
// alongside a terminal status.
type ErrorDetails struct {
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	Recipients []RecipientResult `json:"recipients,omitempty"`
}

func (d ErrorDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *ErrorDetails) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// StringList maps to a JSONB array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// OverrideMap holds per-channel delivery overrides, passed opaquely to the
// provider.
type OverrideMap map[string]json.RawMessage

func (m OverrideMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]json.RawMessage{})
	}
	return json.Marshal(m)
}

func (m *OverrideMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported scan source %T", src)
	}
}
