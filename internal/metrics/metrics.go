// Package metrics keeps the per-run Prometheus registry. Each run owns its
// registry; the process-wide default registry is never used.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg         *prometheus.Registry
	budgetUsed  *prometheus.GaugeVec
	budgetLimit *prometheus.GaugeVec
	workerRuns  *prometheus.CounterVec
	gateIssues  *prometheus.GaugeVec
	gatePassed  *prometheus.GaugeVec
}

// New creates a fresh registry with the docpipe collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		budgetUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_budget_used",
			Help: "Budget consumed by the run, per dimension",
		}, []string{"dimension"}),
		budgetLimit: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_budget_limit",
			Help: "Budget ceiling of the run, per dimension",
		}, []string{"dimension"}),
		workerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_worker_runs_total",
			Help: "Worker invocations by outcome",
		}, []string{"worker", "status"}),
		gateIssues: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_gate_issues",
			Help: "Issues raised by the last evaluation of each gate",
		}, []string{"gate"}),
		gatePassed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_gate_passed",
			Help: "1 if the gate passed on its last evaluation",
		}, []string{"gate"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveBudget records used and limit for a budget dimension.
func (m *Metrics) ObserveBudget(dimension string, used, limit float64) {
	if m == nil {
		return
	}
	m.budgetUsed.WithLabelValues(dimension).Set(used)
	m.budgetLimit.WithLabelValues(dimension).Set(limit)
}

// WorkerRun counts one worker invocation outcome.
func (m *Metrics) WorkerRun(worker, status string) {
	if m == nil {
		return
	}
	m.workerRuns.WithLabelValues(worker, status).Inc()
}

// GateResult records a gate evaluation.
func (m *Metrics) GateResult(gate string, issues int, passed bool) {
	if m == nil {
		return
	}
	m.gateIssues.WithLabelValues(gate).Set(float64(issues))
	v := 0.0
	if passed {
		v = 1
	}
	m.gatePassed.WithLabelValues(gate).Set(v)
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
