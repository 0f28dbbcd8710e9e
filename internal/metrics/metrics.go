// Package metrics exposes session counters in Prometheus form. Metrics live
// on a private registry and are exported as a node-exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/refine"
)

// Metrics holds the collectors. It is safe for concurrent use by
// independent sessions.
type Metrics struct {
	registry *prometheus.Registry

	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	verdicts      *prometheus.CounterVec
	generations   *prometheus.CounterVec
	refinements   *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	rounds        prometheus.Histogram
	tokens        *prometheus.CounterVec
	cost          prometheus.Counter
}

// New creates Metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_builds_total",
			Help: "Build invocations by loop, status and error kind.",
		}, []string{"loop", "status", "kind"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pkgforge_build_duration_seconds",
			Help:    "Build duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"loop"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_verdicts_total",
			Help: "Log comparison verdicts.",
		}, []string{"verdict"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_generations_total",
			Help: "Candidate generations by result.",
		}, []string{"result"}),
		refinements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_refinement_exits_total",
			Help: "Refinement evaluations by exit.",
		}, []string{"exit"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_sessions_total",
			Help: "Finished sessions by status and stop reason.",
		}, []string{"status", "reason"}),
		rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgforge_session_rounds",
			Help:    "Build rounds per session.",
			Buckets: prometheus.LinearBuckets(1, 4, 12),
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgforge_model_tokens_total",
			Help: "Model tokens by direction.",
		}, []string{"direction"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgforge_model_cost_usd_total",
			Help: "Model spend in USD.",
		}),
	}
	m.registry.MustRegister(m.builds, m.buildDuration, m.verdicts, m.generations,
		m.refinements, m.sessions, m.rounds, m.tokens, m.cost)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRepair counts a repair-loop event.
func (m *Metrics) ObserveRepair(ev iterate.Event) {
	switch ev.Action {
	case iterate.ActionBuild:
		if ev.Result != nil {
			m.builds.WithLabelValues("repair", string(ev.Result.Status), string(ev.Result.Kind)).Inc()
			m.buildDuration.WithLabelValues("repair").Observe(ev.Result.Duration.Seconds())
		}
	case iterate.ActionGenerate:
		m.generations.WithLabelValues("ok").Inc()
	case iterate.ActionGenerationFailed:
		m.generations.WithLabelValues("failed").Inc()
	}
	if ev.Verdict != "" && (ev.Action == iterate.ActionAdopt || ev.Action == iterate.ActionRevert || ev.Action == iterate.ActionBrokenLog) {
		m.verdicts.WithLabelValues(string(ev.Verdict)).Inc()
	}
}

// ObserveRefine counts a refinement event.
func (m *Metrics) ObserveRefine(ev refine.Event) {
	switch ev.Action {
	case refine.ActionBuild:
		if ev.Result != nil {
			m.builds.WithLabelValues("refine", string(ev.Result.Status), string(ev.Result.Kind)).Inc()
			m.buildDuration.WithLabelValues("refine").Observe(ev.Result.Duration.Seconds())
		}
	case refine.ActionCommit, refine.ActionRetry, refine.ActionAbandon, refine.ActionRevert:
		m.refinements.WithLabelValues(string(ev.Exit)).Inc()
	}
}

// ObserveSession records a finished session.
func (m *Metrics) ObserveSession(status, reason string, rounds int, usage model.Usage) {
	m.sessions.WithLabelValues(status, reason).Inc()
	m.rounds.Observe(float64(rounds))
	m.tokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	m.tokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
	m.cost.Add(usage.CostUSD)
}

// WriteTextfile writes all metrics in the textfile-collector format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
