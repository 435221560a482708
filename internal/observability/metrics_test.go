package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))
}

func TestObserveCounters(t *testing.T) {
	before := testutil.ToFloat64(fixAttemptsTotal.WithLabelValues("contextual", "applied"))
	ObserveAttempt("contextual", "applied")
	assert.Equal(t, before+1, testutil.ToFloat64(fixAttemptsTotal.WithLabelValues("contextual", "applied")))

	beforeGate := testutil.ToFloat64(gateFailuresTotal.WithLabelValues("syntax"))
	ObserveGateFailure("syntax")
	assert.Equal(t, beforeGate+1, testutil.ToFloat64(gateFailuresTotal.WithLabelValues("syntax")))

	ObserveScan(-time.Second)
	ObserveIssueDetected("security", "high")
	ObserveFileScan("cached")
	ObserveOutcome("resolved")

	beforeEsc := testutil.ToFloat64(escalationsTotal.WithLabelValues("escalation_security"))
	ObserveEscalation("escalation_security")
	assert.Equal(t, beforeEsc+1, testutil.ToFloat64(escalationsTotal.WithLabelValues("escalation_security")))
}

func TestTracerIsUsableWithoutProvider(t *testing.T) {
	_, span := Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, span)
}
