package provider

import (
	"context"

	"github.com/notifyr/dispatch/internal/model"
)

// Router sends email-kind payloads through the SMTP adapter when one is
// configured and everything else through the hosted provider.
type Router struct {
	def  Provider
	smtp Provider
}

func NewRouter(def, smtp Provider) *Router {
	return &Router{def: def, smtp: smtp}
}

func (r *Router) Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error) {
	if r.smtp != nil && payload.Kind == model.PayloadKindEmail && payload.Email != nil && payload.Email.To != "" {
		return r.smtp.Trigger(ctx, workflowKey, recipientID, payload, overrides)
	}
	return r.def.Trigger(ctx, workflowKey, recipientID, payload, overrides)
}
