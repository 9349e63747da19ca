package reputation

import "fmt"

// Event is a reputation-affecting observation about a node.
type Event int

const (
	EventSuccessfulTx Event = iota
	EventFailedTx
	EventSuccessfulVote
	EventFailedVote
	EventTimeout
	EventMaliciousBehavior
	EventProposeValidBlock
	EventProposeInvalidBlock
	EventVoteCorrectly
	EventVoteIncorrectly
	EventSuccessfulConsensus
	EventFailedConsensus
)

var eventNames = map[Event]string{
	EventSuccessfulTx:        "SUCCESSFUL_TX",
	EventFailedTx:            "FAILED_TX",
	EventSuccessfulVote:      "SUCCESSFUL_VOTE",
	EventFailedVote:          "FAILED_VOTE",
	EventTimeout:             "TIMEOUT",
	EventMaliciousBehavior:   "MALICIOUS_BEHAVIOR",
	EventProposeValidBlock:   "PROPOSE_VALID_BLOCK",
	EventProposeInvalidBlock: "PROPOSE_INVALID_BLOCK",
	EventVoteCorrectly:       "VOTE_CORRECTLY",
	EventVoteIncorrectly:     "VOTE_INCORRECTLY",
	EventSuccessfulConsensus: "SUCCESSFUL_CONSENSUS",
	EventFailedConsensus:     "FAILED_CONSENSUS",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// EventWeight is the effect magnitude of one event kind. Events with
// MarginalDecay are rewards; all others are fixed penalties.
type EventWeight struct {
	BaseWeight    float64
	MarginalDecay bool
}

// Delta returns the signed change for a node whose final score is current.
// Rewards shrink as trust grows; penalties apply at full weight.
func (w EventWeight) Delta(current float64) float64 {
	if w.MarginalDecay {
		return w.BaseWeight / (1 + current)
	}
	return -w.BaseWeight
}

const (
	weightValidProposal   = 0.03
	weightCorrectVote     = 0.02
	weightSuccess         = 0.05
	weightInvalidProposal = 0.08
	weightIncorrectVote   = 0.05
	weightFailure         = 0.10
)

// eventWeights is immutable after package init.
var eventWeights = map[Event]EventWeight{
	EventProposeValidBlock:   {BaseWeight: weightValidProposal, MarginalDecay: true},
	EventVoteCorrectly:       {BaseWeight: weightCorrectVote, MarginalDecay: true},
	EventSuccessfulTx:        {BaseWeight: weightSuccess, MarginalDecay: true},
	EventSuccessfulVote:      {BaseWeight: weightSuccess, MarginalDecay: true},
	EventSuccessfulConsensus: {BaseWeight: weightSuccess, MarginalDecay: true},
	EventProposeInvalidBlock: {BaseWeight: weightInvalidProposal},
	EventVoteIncorrectly:     {BaseWeight: weightIncorrectVote},
	EventFailedTx:            {BaseWeight: weightFailure},
	EventFailedVote:          {BaseWeight: weightFailure},
	EventFailedConsensus:     {BaseWeight: weightFailure},
	EventTimeout:             {BaseWeight: weightFailure},
	EventMaliciousBehavior:   {BaseWeight: weightFailure},
}

// WeightOf returns the static weight of e.
func WeightOf(e Event) (EventWeight, bool) {
	w, ok := eventWeights[e]
	return w, ok
}
