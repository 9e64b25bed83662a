package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished group-expense runs by terminal outcome:
	// completed, partial_capture, or aborted.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitapp_payment_runs_total",
		Help: "Group expense runs by terminal outcome",
	}, []string{"outcome"})

	// StageFailures counts the flow stage a run failed in.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitapp_payment_stage_failures_total",
		Help: "Flow failures by stage",
	}, []string{"stage"})

	// Captures counts individual capture attempts by result.
	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitapp_payment_captures_total",
		Help: "Individual capture attempts by result",
	}, []string{"result"})

	// CardsIssued counts issued virtual cards by state (active or simulated).
	CardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitapp_virtual_cards_issued_total",
		Help: "Virtual cards issued by state",
	}, []string{"state"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
