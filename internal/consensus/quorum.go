package consensus

import "tribft/internal/types"

// MinQuorumSize is the smallest quorum ever required.
const MinQuorumSize = 2

// QuorumSize returns max(MinQuorumSize, floor(2n/3)+1) for a group of n primaries.
func QuorumSize(groupSize int) int {
	q := 2*groupSize/3 + 1
	if q < MinQuorumSize {
		return MinQuorumSize
	}
	return q
}

// Roster is the engine's read-only view of the elected group.
type Roster interface {
	// QuorumBase is the number of primary members.
	QuorumBase() int
	// CanVote reports whether id's votes count.
	CanVote(id types.NodeID) bool
	// Voters is the number of members whose votes count, primaries included.
	Voters() int
}

type voteKey struct {
	proposalID string
	phase      types.Phase
}

// voteSet keeps one vote per voter, in arrival order.
type voteSet struct {
	byVoter map[types.NodeID]types.Vote
	order   []types.NodeID
}

func (s *voteSet) add(v types.Vote) bool {
	if _, dup := s.byVoter[v.VoterID]; dup {
		return false
	}
	s.byVoter[v.VoterID] = v
	s.order = append(s.order, v.VoterID)
	return true
}

func (s *voteSet) approvals() int {
	n := 0
	for _, v := range s.byVoter {
		if v.Approve {
			n++
		}
	}
	return n
}

func (s *voteSet) rejections() int {
	return len(s.byVoter) - s.approvals()
}

func (s *voteSet) approved() []types.Vote {
	out := make([]types.Vote, 0, len(s.order))
	for _, id := range s.order {
		if v := s.byVoter[id]; v.Approve {
			out = append(out, v)
		}
	}
	return out
}

// voteStore indexes votes by (proposal, phase), deduplicated by voter.
type voteStore map[voteKey]*voteSet

func (vs voteStore) add(v types.Vote) bool {
	k := voteKey{v.ProposalID, v.Phase}
	set, ok := vs[k]
	if !ok {
		set = &voteSet{byVoter: make(map[types.NodeID]types.Vote)}
		vs[k] = set
	}
	return set.add(v)
}

func (vs voteStore) get(proposalID string, phase types.Phase) *voteSet {
	if set, ok := vs[voteKey{proposalID, phase}]; ok {
		return set
	}
	return &voteSet{byVoter: map[types.NodeID]types.Vote{}}
}
