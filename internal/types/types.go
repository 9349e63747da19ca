// Package types defines the protocol data shared by the reputation, selection
// and consensus packages: identities, proposals, votes, quorum certificates,
// blocks and consensus groups.
package types

import (
	"fmt"
	"time"
)

// NodeID is the opaque, stable identifier of a vehicle or roadside unit.
type NodeID string

// ShardID identifies a regional shard.
type ShardID int

// Height is a block height in a shard chain. Genesis is height 0.
type Height uint64

// View is the consensus view number.
type View uint64

// NodeIdentity describes a shard member as seen by the membership source.
type NodeIdentity struct {
	ID    NodeID
	IsRSU bool
}

// Phase is a step of the three-phase agreement protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePrepare
	PhasePreCommit
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePrepare:
		return "PREPARE"
	case PhasePreCommit:
		return "PRE_COMMIT"
	case PhaseCommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Next returns the single legal successor of p. ok is false for IDLE and
// COMMIT, which have no successor reachable by a phase-advance notice.
func (p Phase) Next() (next Phase, ok bool) {
	switch p {
	case PhasePrepare:
		return PhasePreCommit, true
	case PhasePreCommit:
		return PhaseCommit, true
	default:
		return PhaseIdle, false
	}
}

// Transaction is an application transaction carried in a block.
type Transaction struct {
	ID        string
	Sender    NodeID
	Receiver  NodeID
	Value     float64
	Data      string
	Timestamp time.Time
}

// Valid reports whether the transaction carries the fields a replica checks.
func (tx Transaction) Valid() bool {
	return tx.ID != "" && tx.Sender != ""
}

// ConsensusProposal is a leader's candidate block for one round.
type ConsensusProposal struct {
	ProposalID   string
	BlockHeight  Height
	ViewNumber   View
	LeaderID     NodeID
	ShardID      ShardID
	Transactions []Transaction
	BlockHash    string
	Timestamp    time.Time
}

// Vote is one member's ballot for a proposal in a phase.
type Vote struct {
	ProposalID string
	VoterID    NodeID
	Phase      Phase
	Approve    bool
	Timestamp  time.Time
	Signature  []byte
}

// SignBytes returns the canonical payload covered by the vote signature.
func (v Vote) SignBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%t", v.ProposalID, v.VoterID, v.Phase, v.Approve))
}

// QuorumCertificate proves that a quorum approved ProposalID in Phase.
// Votes holds at most one vote per voter.
type QuorumCertificate struct {
	ProposalID  string
	Phase       Phase
	BlockHeight Height
	ViewNumber  View
	Votes       []Vote
	TotalVotes  int
	Timestamp   time.Time
}

// Valid reports whether the certificate carries at least quorumSize votes.
func (qc QuorumCertificate) Valid(quorumSize int) bool {
	return qc.TotalVotes >= quorumSize
}

// Voters returns the voter ids recorded in the certificate, in vote order.
func (qc QuorumCertificate) Voters() []NodeID {
	out := make([]NodeID, 0, len(qc.Votes))
	for _, v := range qc.Votes {
		out = append(out, v.VoterID)
	}
	return out
}

// Block is a finalized unit of a shard chain.
type Block struct {
	Height       Height
	BlockHash    string
	PreviousHash string
	ShardID      ShardID
	Transactions []Transaction
	QC           QuorumCertificate
	Proposer     NodeID
	Timestamp    time.Time
}

// BlockHeader is the light part of a block, as journaled by the collector.
type BlockHeader struct {
	Height       Height
	BlockHash    string
	PreviousHash string
	ShardID      ShardID
	Proposer     NodeID
	TxCount      int
	Timestamp    time.Time
}

// Header extracts the block header.
func (b Block) Header() BlockHeader {
	return BlockHeader{
		Height:       b.Height,
		BlockHash:    b.BlockHash,
		PreviousHash: b.PreviousHash,
		ShardID:      b.ShardID,
		Proposer:     b.Proposer,
		TxCount:      len(b.Transactions),
		Timestamp:    b.Timestamp,
	}
}
