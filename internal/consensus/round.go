package consensus

import (
	"time"

	"tribft/internal/types"
)

// round is the state of the single active proposal. The engine holds a nil
// round while IDLE, so a phase never exists without its proposal.
type round struct {
	proposal types.ConsensusProposal
	phase    types.Phase
	started  time.Time
	leader   bool

	votes voteStore
	qcs   map[types.Phase]types.QuorumCertificate
}

func newRound(p types.ConsensusProposal, started time.Time, leader bool) *round {
	return &round{
		proposal: p,
		phase:    types.PhasePrepare,
		started:  started,
		leader:   leader,
		votes:    make(voteStore),
		qcs:      make(map[types.Phase]types.QuorumCertificate),
	}
}

func (r *round) id() string { return r.proposal.ProposalID }
