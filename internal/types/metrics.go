package types

import "time"

// ConsensusMetrics holds running statistics of one engine. Values only grow,
// except the derived latency and throughput figures.
type ConsensusMetrics struct {
	TotalProposals    int
	SuccessfulCommits int
	FailedConsensus   int
	TotalTransactions int

	MinLatency   time.Duration
	MaxLatency   time.Duration
	AvgLatency   time.Duration
	TotalLatency time.Duration

	// Throughput is committed transactions per second since the first round.
	Throughput float64
}

// ObserveCommit folds one committed round into the statistics. elapsed is the
// time since the engine started its first round.
func (m *ConsensusMetrics) ObserveCommit(latency time.Duration, txs int, elapsed time.Duration) {
	m.SuccessfulCommits++
	m.TotalTransactions += txs
	m.TotalLatency += latency
	if m.SuccessfulCommits == 1 || latency < m.MinLatency {
		m.MinLatency = latency
	}
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
	m.AvgLatency = m.TotalLatency / time.Duration(m.SuccessfulCommits)
	if elapsed > 0 {
		m.Throughput = float64(m.TotalTransactions) / elapsed.Seconds()
	}
}
