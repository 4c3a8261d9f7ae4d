package model

import (
	"time"

	"github.com/google/uuid"
)

// Workflow names the channel/content configuration a notification targets.
// It is authored externally; delivery only resolves it by key.
type Workflow struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	EnterpriseID uuid.UUID  `db:"enterprise_id" json:"enterprise_id"`
	Key          string     `db:"key" json:"key"`
	Channels     StringList `db:"channels" json:"channels"`
	Active       bool       `db:"active" json:"active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}
