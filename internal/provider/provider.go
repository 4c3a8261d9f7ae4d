package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/pkg/circuitbreaker"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
)

// Provider is the external delivery service contract. Trigger is invoked
// once per recipient and returns the provider's transaction identifier.
type Provider interface {
	Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error)
}

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider talks to the delivery provider's trigger API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cb      *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

func NewHTTPProvider(cfg HTTPConfig, log *logger.Logger) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		cb: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "delivery-provider",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
		logger: log.WithComponent("provider"),
	}
}

type triggerRequest struct {
	Workflow  string            `json:"workflow"`
	Recipient string            `json:"recipient"`
	Payload   model.Payload     `json:"payload"`
	Overrides model.OverrideMap `json:"overrides,omitempty"`
}

type triggerResponse struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message,omitempty"`
}

func (p *HTTPProvider) Trigger(ctx context.Context, workflowKey, recipientID string, payload model.Payload, overrides model.OverrideMap) (string, error) {
	body, err := json.Marshal(triggerRequest{
		Workflow:  workflowKey,
		Recipient: recipientID,
		Payload:   payload,
		Overrides: overrides,
	})
	if err != nil {
		return "", apperrors.NewValidation("failed to encode trigger request", err)
	}

	var txnID string
	err = p.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/trigger", bytes.NewReader(body))
		if err != nil {
			return apperrors.NewValidation("failed to build trigger request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return apperrors.NewTransient("provider request failed", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var tr triggerResponse
			if err := json.Unmarshal(respBody, &tr); err != nil {
				return apperrors.NewTransient("failed to decode provider response", err)
			}
			txnID = tr.TransactionID
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Provider rejected the request itself; retrying the same
			// input cannot succeed.
			return apperrors.NewValidation(
				fmt.Sprintf("provider rejected trigger (%d): %s", resp.StatusCode, string(respBody)), nil)
		default:
			return apperrors.NewTransient(
				fmt.Sprintf("provider error (%d)", resp.StatusCode), nil)
		}
	})
	if err != nil {
		return "", err
	}
	return txnID, nil
}
