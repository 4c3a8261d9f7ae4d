package postgres

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/notifyr/dispatch/pkg/metrics"
)

func TestObserveCountsByOutcome(t *testing.T) {
	m := metrics.New("test")
	base := NewBaseRepository(nil, m)

	base.observe("claim_due", nil)
	base.observe("claim_due", nil)
	base.observe("claim_due", errors.New("connection reset"))
	base.observe("update_status", nil)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("claim_due", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("claim_due", "error")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("update_status", "success")))
}

func TestObserveWithoutMetrics(t *testing.T) {
	base := NewBaseRepository(nil, nil)

	assert.NotPanics(t, func() {
		base.observe("get_notification", nil)
		base.observe("get_notification", errors.New("timeout"))
	})
}
