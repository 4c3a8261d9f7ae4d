package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyr/dispatch/internal/model"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
	"github.com/notifyr/dispatch/pkg/logger"
)

func pushPayload() model.Payload {
	return model.Payload{
		Kind: model.PayloadKindPush,
		Push: &model.PushPayload{Title: "Shipped", Body: "On its way"},
	}
}

func TestTriggerSuccess(t *testing.T) {
	txn := uuid.NewString()
	var got triggerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/trigger", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(triggerResponse{TransactionID: txn})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "sekrit"}, logger.Nop())
	recipient := uuid.NewString()

	txnID, err := p.Trigger(context.Background(), "order-shipped", recipient, pushPayload(), nil)
	require.NoError(t, err)
	assert.Equal(t, txn, txnID)
	assert.Equal(t, "order-shipped", got.Workflow)
	assert.Equal(t, recipient, got.Recipient)
	assert.Equal(t, model.PayloadKindPush, got.Payload.Kind)
}

func TestTriggerRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown workflow", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL}, logger.Nop())

	_, err := p.Trigger(context.Background(), "nope", uuid.NewString(), pushPayload(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err), "4xx responses are not retryable")
	assert.Contains(t, err.Error(), "422")
}

func TestTriggerServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL}, logger.Nop())

	_, err := p.Trigger(context.Background(), "order-shipped", uuid.NewString(), pushPayload(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestTriggerUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL}, logger.Nop())

	_, err := p.Trigger(context.Background(), "order-shipped", uuid.NewString(), pushPayload(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestTriggerBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL}, logger.Nop())

	for i := 0; i < 5; i++ {
		_, err := p.Trigger(context.Background(), "order-shipped", uuid.NewString(), pushPayload(), nil)
		require.Error(t, err)
	}

	_, err := p.Trigger(context.Background(), "order-shipped", uuid.NewString(), pushPayload(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
}
