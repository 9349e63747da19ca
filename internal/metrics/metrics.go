// Package metrics exports consensus and reputation figures to prometheus.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tribft/internal/reputation"
	"tribft/internal/types"
)

const namespace = "tribft"

type Metrics struct {
	proposals    *prometheus.CounterVec
	commits      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	transactions *prometheus.CounterVec
	votes        *prometheus.CounterVec
	elections    *prometheus.CounterVec
	height       *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
	shortfall    *prometheus.GaugeVec
	avgScore     *prometheus.GaugeVec
	reliable     *prometheus.GaugeVec
}

func New(registerer prometheus.Registerer) (*Metrics, error) {
	shard := []string{"shard"}
	m := &Metrics{
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Number of proposals broadcast",
		}, shard),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Number of committed blocks",
		}, shard),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_rounds_total",
			Help:      "Number of rounds abandoned on timeout or rejection",
		}, shard),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Number of committed transactions",
		}, shard),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Number of votes broadcast",
		}, []string{"shard", "phase", "approve"}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Number of published elections, including leader replacements",
		}, shard),
		height: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "height",
			Help:      "Highest committed height",
		}, shard),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Time from proposal to commit",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, shard),
		shortfall: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rsu_shortfall",
			Help:      "1 when the current group misses its RSU quota",
		}, shard),
		avgScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_average",
			Help:      "Average final reputation score of the shard ledger",
		}, shard),
		reliable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reputation_reliable_nodes",
			Help:      "Nodes at or above the reliable threshold",
		}, shard),
	}
	err := errors.Join(
		registerer.Register(m.proposals),
		registerer.Register(m.commits),
		registerer.Register(m.failures),
		registerer.Register(m.transactions),
		registerer.Register(m.votes),
		registerer.Register(m.elections),
		registerer.Register(m.height),
		registerer.Register(m.latency),
		registerer.Register(m.shortfall),
		registerer.Register(m.avgScore),
		registerer.Register(m.reliable),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func label(s types.ShardID) string { return strconv.Itoa(int(s)) }

func (m *Metrics) ObserveProposal(s types.ShardID) {
	m.proposals.WithLabelValues(label(s)).Inc()
}

func (m *Metrics) ObserveVote(s types.ShardID, v types.Vote) {
	m.votes.WithLabelValues(label(s), v.Phase.String(), strconv.FormatBool(v.Approve)).Inc()
}

// ObserveCommit records a committed block and the latency since its proposal.
func (m *Metrics) ObserveCommit(b types.Block, latency time.Duration) {
	l := label(b.ShardID)
	m.commits.WithLabelValues(l).Inc()
	m.transactions.WithLabelValues(l).Add(float64(len(b.Transactions)))
	m.height.WithLabelValues(l).Set(float64(b.Height))
	if latency > 0 {
		m.latency.WithLabelValues(l).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveFailure(s types.ShardID) {
	m.failures.WithLabelValues(label(s)).Inc()
}

func (m *Metrics) ObserveElection(g types.ConsensusGroup) {
	l := label(g.ShardID)
	m.elections.WithLabelValues(l).Inc()
	v := 0.0
	if g.RSUShortfall {
		v = 1
	}
	m.shortfall.WithLabelValues(l).Set(v)
}

func (m *Metrics) ObserveReputation(s types.ShardID, st reputation.Statistics) {
	l := label(s)
	m.avgScore.WithLabelValues(l).Set(st.AverageScore)
	m.reliable.WithLabelValues(l).Set(float64(st.ReliableNodes))
}
