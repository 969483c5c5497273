package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	return nil
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	fam := family(t, m, name)
	if fam == nil {
		return 0
	}
	for _, metric := range fam.GetMetric() {
		if metricLabelsMatch(metric, labels) && metric.GetCounter() != nil {
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	fam := family(t, m, name)
	if fam == nil || len(fam.GetMetric()) == 0 {
		return 0
	}
	return fam.GetMetric()[0].GetGauge().GetValue()
}

func metricLabelsMatch(metric *dto.Metric, expected map[string]string) bool {
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestObserveMovementLabelsByErrorKind(t *testing.T) {
	m := NewMetrics()
	m.ObserveMovement("tip", nil)
	m.ObserveMovement("tip", apperr.InsufficientFunds(decimal.NewFromInt(5), decimal.NewFromInt(1)))

	if got := counterValue(t, m, "walletd_coordinator_movements_total", map[string]string{"operation": "tip", "result": "ok"}); got != 1 {
		t.Fatalf("ok counter = %f", got)
	}
	failed := counterValue(t, m, "walletd_coordinator_movements_total", map[string]string{"operation": "tip", "result": string(apperr.KindInsufficientFunds)})
	if failed != 1 {
		t.Fatalf("insufficient funds counter = %f", failed)
	}
}

func TestObserveReconciliationSetsGauges(t *testing.T) {
	m := NewMetrics()
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m.ObserveReconciliation(ledger.Report{CheckedAt: at, Negative: []string{"u1"}, Mismatches: []ledger.Mismatch{{UserID: "u2"}}})

	if got := gaugeValue(t, m, "walletd_ledger_reconcile_mismatches"); got != 2 {
		t.Fatalf("mismatches gauge = %f", got)
	}
	if got := gaugeValue(t, m, "walletd_ledger_reconcile_last_run_unix"); got != float64(at.Unix()) {
		t.Fatalf("last run gauge = %f", got)
	}
}

type failingPayouts struct{}

func (failingPayouts) Payout(context.Context, withdrawals.PayoutRequest) (withdrawals.PayoutReceipt, error) {
	return withdrawals.PayoutReceipt{}, errors.New("provider down")
}

func TestInstrumentPayoutsRecordsResult(t *testing.T) {
	m := NewMetrics()
	client := m.InstrumentPayouts(failingPayouts{})
	if _, err := client.Payout(context.Background(), withdrawals.PayoutRequest{WithdrawalID: "w1"}); err == nil {
		t.Fatalf("expected payout error to pass through")
	}
	fam := family(t, m, "walletd_withdrawals_payout_seconds")
	if fam == nil || len(fam.GetMetric()) != 1 {
		t.Fatalf("expected one payout histogram series")
	}
	metric := fam.GetMetric()[0]
	if !metricLabelsMatch(metric, map[string]string{"result": "error"}) || metric.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("unexpected histogram %v", metric)
	}
}

func TestInstrumentPreservesStatus(t *testing.T) {
	m := NewMetrics()
	handler := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status=%d", rec.Code)
	}
	if got := counterValue(t, m, "walletd_http_requests_total", map[string]string{"method": "GET", "code": "403"}); got != 1 {
		t.Fatalf("request counter = %f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMovement("bill", nil)
	m.ObserveWebhook("deposited")
	m.ObserveBilled(decimal.NewFromInt(1))
	if m.InstrumentPayouts(failingPayouts{}) == nil {
		t.Fatalf("expected passthrough client")
	}
}
