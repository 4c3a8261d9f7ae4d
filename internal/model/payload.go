package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type PayloadKind string

const (
	PayloadKindEmail PayloadKind = "email"
	PayloadKindSMS   PayloadKind = "sms"
	PayloadKindPush  PayloadKind = "push"
	PayloadKindChat  PayloadKind = "chat"
	PayloadKindInApp PayloadKind = "in_app"
)

// Payload is a tagged union keyed by channel kind. Exactly the variant named
// by Kind must be present; unknown shapes are rejected at the ingestion
// boundary rather than deep inside delivery.
type Payload struct {
	Kind  PayloadKind   `json:"kind" validate:"required,oneof=email sms push chat in_app"`
	Email *EmailPayload `json:"email,omitempty"`
	SMS   *SMSPayload   `json:"sms,omitempty"`
	Push  *PushPayload  `json:"push,omitempty"`
	Chat  *ChatPayload  `json:"chat,omitempty"`
	InApp *InAppPayload `json:"in_app,omitempty"`
}

type EmailPayload struct {
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body" validate:"required"`
	To      string `json:"to,omitempty" validate:"omitempty,email"`
}

type SMSPayload struct {
	Text string `json:"text" validate:"required,max=1600"`
}

type PushPayload struct {
	Title string          `json:"title" validate:"required"`
	Body  string          `json:"body" validate:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ChatPayload struct {
	Text    string `json:"text" validate:"required"`
	Webhook string `json:"webhook,omitempty" validate:"omitempty,url"`
}

type InAppPayload struct {
	Title string          `json:"title" validate:"required"`
	Body  string          `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var validate = validator.New()

// Validate checks the union invariant and the variant's own schema.
func (p *Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var variant interface{}
	switch p.Kind {
	case PayloadKindEmail:
		variant = p.Email
	case PayloadKindSMS:
		variant = p.SMS
	case PayloadKindPush:
		variant = p.Push
	case PayloadKindChat:
		variant = p.Chat
	case PayloadKindInApp:
		variant = p.InApp
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}

	switch v := variant.(type) {
	case *EmailPayload:
		if v == nil {
			return fmt.Errorf("payload kind %q requires an email variant", p.Kind)
		}
	case *SMSPayload:
		if v == nil {
			return fmt.Errorf("payload kind %q requires an sms variant", p.Kind)
		}
	case *PushPayload:
		if v == nil {
			return fmt.Errorf("payload kind %q requires a push variant", p.Kind)
		}
	case *ChatPayload:
		if v == nil {
			return fmt.Errorf("payload kind %q requires a chat variant", p.Kind)
		}
	case *InAppPayload:
		if v == nil {
			return fmt.Errorf("payload kind %q requires an in_app variant", p.Kind)
		}
	}

	if err := validate.Struct(variant); err != nil {
		return fmt.Errorf("invalid %s payload: %w", p.Kind, err)
	}
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	return scanJSON(src, p)
}
