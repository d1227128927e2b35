package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LedgerAdjust("ok")
	m.Verb("trade", "accept", "ok", time.Millisecond)
	m.Subscribers(1)
	m.JournalRows("inserted", 3)
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LedgerAdjust("ok")
	m.LedgerAdjust("ok")
	m.LedgerAdjust("insufficient_funds")
	m.ReconciliationItem()
	m.JournalRows("conflict", 0)
	m.JournalRows("inserted", 4)

	if got := testutil.ToFloat64(m.ledgerAdjustments.WithLabelValues("ok")); got != 2 {
		t.Errorf("ledger ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reconciliation); got != 1 {
		t.Errorf("reconciliation = %v, want 1", got)
	}

	if got := testutil.ToFloat64(m.journalRows.WithLabelValues("inserted")); got != 4 {
		t.Errorf("journal inserted = %v, want 4", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "exchange_ledger_adjustments_total") {
		t.Error("exposition missing exchange_ledger_adjustments_total")
	}
}
