// Package metrics holds the prometheus collectors for the core components.
// A nil *Core is valid and records nothing, which keeps unit tests free of
// registry plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Core struct {
	tokensIssued         *prometheus.CounterVec
	tokenRedemptions     *prometheus.CounterVec
	datasetTransitions   *prometheus.CounterVec
	transferOutcomes     *prometheus.CounterVec
	transferSubmissions  *prometheus.CounterVec
	notificationsEmitted prometheus.Counter
	taskRuns             *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Core, error) {
	c := &Core{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Access tokens issued, by kind.",
		}, []string{"kind"}),
		tokenRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_redemptions_total",
			Help: "Token redemption attempts, by result (ok or the invalidity reason).",
		}, []string{"result"}),
		datasetTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataset_transitions_total",
			Help: "Committed dataset state transitions.",
		}, []string{"from", "to"}),
		transferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_outcomes_total",
			Help: "Transfer outcomes applied to datasets.",
		}, []string{"outcome"}),
		transferSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_submissions_total",
			Help: "Submissions to the transfer network, by result (ok or error).",
		}, []string{"result"}),
		notificationsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_emitted_total",
			Help: "Notification rows written to the ledger.",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "background_task_runs_total",
			Help: "Background task runs, by task and result.",
		}, []string{"task", "result"}),
	}

	for _, col := range []prometheus.Collector{
		c.tokensIssued, c.tokenRedemptions, c.datasetTransitions, c.transferOutcomes,
		c.transferSubmissions, c.notificationsEmitted, c.taskRuns,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Core) TokenIssued(kind string) {
	if c == nil {
		return
	}
	c.tokensIssued.WithLabelValues(kind).Inc()
}

func (c *Core) TokenRedeemed(result string) {
	if c == nil {
		return
	}
	c.tokenRedemptions.WithLabelValues(result).Inc()
}

func (c *Core) Transition(from, to string) {
	if c == nil {
		return
	}
	c.datasetTransitions.WithLabelValues(from, to).Inc()
}

func (c *Core) TransferOutcome(outcome string) {
	if c == nil {
		return
	}
	c.transferOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Core) TransferSubmission(result string) {
	if c == nil {
		return
	}
	c.transferSubmissions.WithLabelValues(result).Inc()
}

func (c *Core) NotificationsEmitted(n int) {
	if c == nil {
		return
	}
	c.notificationsEmitted.Add(float64(n))
}

func (c *Core) TaskRun(task, result string) {
	if c == nil {
		return
	}
	c.taskRuns.WithLabelValues(task, result).Inc()
}
