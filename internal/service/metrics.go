package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// Metrics counts engine transitions. A nil *Metrics records nothing.
type Metrics struct {
	submissions *prometheus.CounterVec
	actions     *prometheus.CounterVec
	completions *prometheus.CounterVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "submissions_total",
			Help:      "Approval submissions by entity type and outcome.",
		}, []string{"entity_type", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "actions_total",
			Help:      "Approve, reject, delegate and cancel calls by outcome.",
		}, []string{"action", "outcome"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "requests_completed_total",
			Help:      "Requests reaching a terminal status.",
		}, []string{"entity_type", "status"}),
	}
	reg.MustRegister(m.submissions, m.actions, m.completions)
	return m
}

// unknownEntityType labels submissions whose entity type never reached a
// stored request. The type is caller input and would otherwise grow the
// series set without bound.
const unknownEntityType = "unknown"

func (m *Metrics) submission(entityType string, err error) {
	if m == nil {
		return
	}
	if err != nil && !errors.Is(err, ErrDuplicateRequest) {
		entityType = unknownEntityType
	}
	m.submissions.WithLabelValues(entityType, outcome(err)).Inc()
}

func (m *Metrics) action(action string, err error) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(err)).Inc()
}

func (m *Metrics) completion(entityType, status string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(entityType, status).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.CodeOf(err))
}
