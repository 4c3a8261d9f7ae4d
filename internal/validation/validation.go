// Package validation holds the pure checks applied to a notification
// before any delivery attempt.
package validation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/notifyr/dispatch/internal/model"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

// ValidateRecipients checks every recipient against the strict identifier
// format. A malformed recipient is a permanent validation failure.
func ValidateRecipients(recipients []string) error {
	if len(recipients) == 0 {
		return apperrors.NewValidation("notification has no recipients", nil)
	}
	for _, r := range recipients {
		if _, err := uuid.Parse(r); err != nil {
			return apperrors.NewValidation(
				fmt.Sprintf("recipient %q: Invalid UUID format", r), err)
		}
	}
	return nil
}

// ValidateNotification checks record shape at the ingestion boundary:
// tenant, workflow key, payload schema, and recipients.
func ValidateNotification(n *model.Notification) error {
	if n == nil {
		return apperrors.NewValidation("notification is nil", nil)
	}
	if n.EnterpriseID == uuid.Nil {
		return apperrors.NewValidation("enterprise id is required", nil)
	}
	if n.WorkflowKey == "" {
		return apperrors.NewValidation("workflow key is required", nil)
	}
	if err := n.Payload.Validate(); err != nil {
		return apperrors.NewValidation("payload rejected", err)
	}
	return ValidateRecipients(n.Recipients)
}
