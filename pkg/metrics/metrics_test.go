package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLedgerOp("reserve", "ok")
		m.AddCredits("earned", 10)
		m.RecordOverrun()
		m.RecordStaleReleases(2)
		m.RecordExecution("openai", "gpt-4o", "ok", time.Second)
		m.RecordTokens("openai", "gpt-4o", 1, 2)
		m.RecordPricingReload(nil)
		m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New("test")

	m.RecordLedgerOp("reserve", "ok")
	m.RecordLedgerOp("reserve", "ok")
	m.RecordLedgerOp("reserve", "insufficient_balance")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerOpsTotal.WithLabelValues("reserve", "ok")))

	m.AddCredits("earned", 25)
	m.AddCredits("earned", 0)
	assert.Equal(t, 25.0, testutil.ToFloat64(m.CreditsTotal.WithLabelValues("earned")))

	m.RecordOverrun()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitOverrunsTotal))

	m.RecordPricingReload(errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PricingReloadsTotal.WithLabelValues("error")))

	m.RecordHTTPRequest("POST", "/v1/complete", 402, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/complete", "4xx")))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New("x"), New("x")
	a.RecordOverrun()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CommitOverrunsTotal))
}

func TestHandler(t *testing.T) {
	m := New("test")
	m.AddCredits("charged", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_ledger_credits_total{kind="charged"} 3`)
}
