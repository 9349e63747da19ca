package reputation

import (
	"math"
	"time"

	"tribft/internal/types"
)

const (
	// Lambda controls how fast trust moves from the global prior to local
	// behaviour as interactions accumulate.
	Lambda = 0.1

	MinScore     = 0.0
	MaxScore     = 1.0
	NeutralScore = 0.5

	ReliableThreshold = 0.8
	StandardThreshold = 0.2
)

// Tier is a trust band derived from the final score.
type Tier int

const (
	TierNone Tier = iota
	TierCandidate
	TierStandard
	TierReliable
)

func (t Tier) String() string {
	switch t {
	case TierReliable:
		return "reliable"
	case TierStandard:
		return "standard"
	case TierCandidate:
		return "candidate"
	default:
		return "none"
	}
}

// TierOf maps a final score to its trust band.
func TierOf(score float64) Tier {
	switch {
	case score >= ReliableThreshold:
		return TierReliable
	case score >= StandardThreshold:
		return TierStandard
	case score > 0:
		return TierCandidate
	default:
		return TierNone
	}
}

// Record is the trust state of one node.
type Record struct {
	NodeID types.NodeID

	GlobalReputation      float64
	LocalPerformance      float64
	LocalInteractionCount int

	// Score caches FinalScore as of the last update.
	Score float64

	SuccessfulTx   int
	FailedTx       int
	ValidProposals int
	TotalProposals int
	CorrectVotes   int
	TotalVotes     int

	LastUpdate   time.Time
	RecentEvents []Event
}

// FinalScore blends global and local trust with weight exp(-λ·N_local) on
// the global part. The result is clamped to [0,1].
func (r Record) FinalScore() float64 {
	w := math.Exp(-Lambda * float64(r.LocalInteractionCount))
	return clamp(w*r.GlobalReputation + (1-w)*r.LocalPerformance)
}

// Tier returns the trust band of the record.
func (r Record) Tier() Tier {
	return TierOf(r.FinalScore())
}

func (r *Record) count(e Event) {
	switch e {
	case EventProposeValidBlock:
		r.ValidProposals++
		r.TotalProposals++
	case EventProposeInvalidBlock:
		r.TotalProposals++
	case EventVoteCorrectly:
		r.CorrectVotes++
		r.TotalVotes++
	case EventVoteIncorrectly:
		r.TotalVotes++
	case EventSuccessfulTx:
		r.SuccessfulTx++
	case EventFailedTx:
		r.FailedTx++
	}
}

func (r Record) clone() Record {
	out := r
	out.RecentEvents = append([]Event(nil), r.RecentEvents...)
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
