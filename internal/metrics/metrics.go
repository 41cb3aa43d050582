// Package metrics exposes Prometheus collectors for jobs, triggers and rebalances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PortfolioAutopilot/internal/model"
)

const namespace = "autopilot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	JobRuns         *prometheus.CounterVec
	JobSkips        *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	TriggerChecks   *prometheus.CounterVec
	TriggerFires    *prometheus.CounterVec
	TriggerChange   *prometheus.GaugeVec
	RebalanceTrades *prometheus.CounterVec
	PortfolioValue  *prometheus.GaugeVec
	Allocation      *prometheus.GaugeVec
	ExternalCalls   *prometheus.CounterVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job executions by outcome.",
		}, []string{"job", "status"}),
		JobSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_ticks_total",
			Help:      "Ticks dropped because the previous run was still in flight.",
		}, []string{"job"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"job"}),
		TriggerChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_checks_total",
			Help:      "Trigger evaluations by outcome.",
		}, []string{"trigger", "outcome"}),
		TriggerFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_fires_total",
			Help:      "Triggers fired.",
		}, []string{"trigger", "asset"}),
		TriggerChange: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_change_percent",
			Help:      "Last observed change from baseline in percent.",
		}, []string{"trigger"}),
		RebalanceTrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_trades_total",
			Help:      "Rebalance trades executed.",
		}, []string{"portfolio", "asset", "action"}),
		PortfolioValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_value",
			Help:      "Total portfolio value in the quote currency.",
		}, []string{"portfolio"}),
		Allocation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocation_percent",
			Help:      "Current allocation per asset in percent.",
		}, []string{"portfolio", "asset"}),
		ExternalCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "Guarded calls to the oracle, swap venue and Telegram by outcome.",
		}, []string{"client", "outcome"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// JobRun records one execution.
func (m *Metrics) JobRun(rec model.ExecutionRecord) {
	status := "success"
	if !rec.Success {
		status = "failure"
	}
	m.JobRuns.WithLabelValues(rec.JobID, status).Inc()
	m.JobDuration.WithLabelValues(rec.JobID).Observe(rec.Duration.Seconds())
}

// JobSkipped records a dropped tick.
func (m *Metrics) JobSkipped(jobID string) {
	m.JobSkips.WithLabelValues(jobID).Inc()
}

// TriggerChecked records one evaluation. outcome is one of
// monitoring, fired, already_fired or error.
func (m *Metrics) TriggerChecked(id, outcome string, change float64) {
	m.TriggerChecks.WithLabelValues(id, outcome).Inc()
	if outcome != "error" && outcome != "already_fired" {
		m.TriggerChange.WithLabelValues(id).Set(change)
	}
}

// ExternalCall records the outcome of one guarded call. Matches
// resilience.Options.OnResult.
func (m *Metrics) ExternalCall(client, outcome string) {
	m.ExternalCalls.WithLabelValues(client, outcome).Inc()
}

// TriggerFired counts a fire.
func (m *Metrics) TriggerFired(id, asset string) {
	m.TriggerFires.WithLabelValues(id, asset).Inc()
}

// Rebalanced records the outcome of one cycle.
func (m *Metrics) Rebalanced(portfolioID string, snap *model.PortfolioSnapshot, trades []model.RebalanceTrade) {
	for _, t := range trades {
		m.RebalanceTrades.WithLabelValues(portfolioID, t.Asset, string(t.Action)).Inc()
	}
	if snap == nil {
		return
	}
	m.PortfolioValue.WithLabelValues(portfolioID).Set(snap.TotalValue)
	for asset, pct := range snap.Allocations {
		m.Allocation.WithLabelValues(portfolioID, asset).Set(pct)
	}
}
