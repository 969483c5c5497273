package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

type Metrics struct {
	registry *prometheus.Registry

	movementsTotal        *prometheus.CounterVec
	webhookOutcomesTotal  *prometheus.CounterVec
	billedTokensTotal     prometheus.Counter
	withdrawalTransitions *prometheus.CounterVec
	payoutSeconds         *prometheus.HistogramVec
	reconcileMismatches   prometheus.Gauge
	reconcileLastRunUnix  prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
}

// NewMetrics registers the wallet collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		movementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "walletd",
				Subsystem: "coordinator",
				Name:      "movements_total",
				Help:      "Money movements partitioned by operation and result.",
			},
			[]string{"operation", "result"},
		),
		webhookOutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "walletd",
				Subsystem: "deposits",
				Name:      "webhook_outcomes_total",
				Help:      "Payment webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		billedTokensTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "walletd",
				Subsystem: "metering",
				Name:      "billed_tokens_total",
				Help:      "Tokens charged for watch time.",
			},
		),
		withdrawalTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "walletd",
				Subsystem: "withdrawals",
				Name:      "transitions_total",
				Help:      "Withdrawal requests reaching a status.",
			},
			[]string{"status"},
		),
		payoutSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "walletd",
				Subsystem: "withdrawals",
				Name:      "payout_seconds",
				Help:      "Latency of payout provider calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		reconcileMismatches: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "walletd",
				Subsystem: "ledger",
				Name:      "reconcile_mismatches",
				Help:      "Wallets whose balance disagreed with their entries in the last run.",
			},
		),
		reconcileLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "walletd",
				Subsystem: "ledger",
				Name:      "reconcile_last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "walletd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

func (m *Metrics) ObserveMovement(operation string, err error) {
	if m == nil {
		return
	}
	m.movementsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveBilled(amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.billedTokensTotal.Add(amount.InexactFloat64())
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWithdrawal(status string) {
	if m == nil {
		return
	}
	m.withdrawalTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveReconciliation(r ledger.Report) {
	if m == nil {
		return
	}
	m.reconcileLastRunUnix.Set(float64(r.CheckedAt.Unix()))
	m.reconcileMismatches.Set(float64(len(r.Mismatches) + len(r.Negative)))
}

// InstrumentPayouts times every call made through next.
func (m *Metrics) InstrumentPayouts(next withdrawals.PayoutClient) withdrawals.PayoutClient {
	if m == nil {
		return next
	}
	return timedPayouts{next: next, hist: m.payoutSeconds}
}

type timedPayouts struct {
	next withdrawals.PayoutClient
	hist *prometheus.HistogramVec
}

func (t timedPayouts) Payout(ctx context.Context, req withdrawals.PayoutRequest) (withdrawals.PayoutReceipt, error) {
	start := time.Now()
	rec, err := t.next.Payout(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.hist.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return rec, err
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests served by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.code)).Inc()
	})
}
