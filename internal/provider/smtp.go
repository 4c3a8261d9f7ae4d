package provider

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/notifyr/dispatch/internal/model"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPProvider delivers email-kind payloads directly over SMTP. It backs
// workflows that bypass the hosted provider; non-email payloads are a
// validation failure here.
type SMTPProvider struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *logger.Logger
}

func NewSMTPProvider(cfg SMTPConfig, log *logger.Logger) *SMTPProvider {
	return &SMTPProvider{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: log.WithComponent("smtp-provider"),
	}
}

func (p *SMTPProvider) Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error) {
	if payload.Kind != model.PayloadKindEmail || payload.Email == nil {
		return "", apperrors.NewValidation(
			fmt.Sprintf("smtp provider cannot deliver %q payloads", payload.Kind), nil)
	}
	if payload.Email.To == "" {
		return "", apperrors.NewValidation("email payload has no destination address", nil)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", p.cfg.From)
	msg.SetHeader("To", payload.Email.To)
	msg.SetHeader("Subject", payload.Email.Subject)
	msg.SetBody("text/html", payload.Email.Body)

	done := make(chan error, 1)
	go func() { done <- p.dialer.DialAndSend(msg) }()

	select {
	case <-ctx.Done():
		return "", apperrors.NewTransient("smtp send cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", apperrors.NewTransient("smtp send failed", err)
		}
	}

	txnID := fmt.Sprintf("smtp-%s-%s", workflowKey, recipientID)
	p.logger.Debug("email delivered", "recipient", recipientID, "workflow", workflowKey)
	return txnID, nil
}
