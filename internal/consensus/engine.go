// Package consensus runs the three-phase trust-weighted agreement protocol
// of one node in one shard.
//
// An Engine is not safe for concurrent use. The owning node drives it from a
// single goroutine and delivers proposals, votes, phase-advance notices and
// timeouts in arrival order.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto/tmhash"
	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/reputation"
	"tribft/internal/types"
)

var (
	ErrRoundInProgress  = errors.New("consensus round in progress")
	ErrNoTransactions   = errors.New("proposal has no transactions")
	ErrInvalidProposal  = errors.New("invalid proposal")
	ErrUnknownProposal  = errors.New("unknown proposal")
	ErrUnexpectedPhase  = errors.New("unexpected phase")
	ErrMissingBroadcast = errors.New("engine needs a broadcaster")
)

// PhaseAdvance tells followers that the leader moved ProposalID to Phase.
type PhaseAdvance struct {
	ProposalID string
	LeaderID   types.NodeID
	Phase      types.Phase
}

// Broadcaster carries the engine's outbound traffic. Calls are made
// synchronously from the engine and must not re-enter it.
type Broadcaster interface {
	BroadcastProposal(p types.ConsensusProposal)
	BroadcastVote(v types.Vote)
	BroadcastPhaseAdvance(pa PhaseAdvance)
	// Committed is invoked once per block appended to the local chain.
	Committed(b types.Block)
}

// Reporter receives reputation events produced by committed rounds.
type Reporter interface {
	RecordEvent(id types.NodeID, e reputation.Event) error
}

// Signer signs outgoing votes.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// VoteVerifier checks the signature of incoming votes.
type VoteVerifier interface {
	VerifyVote(v types.Vote) error
}

// Config holds the engine's static settings.
type Config struct {
	NodeID  types.NodeID
	ShardID types.ShardID
	// EarlyAbort fails a round as soon as quorum is out of reach.
	EarlyAbort bool
}

type Option func(*Engine)

func WithLogger(l log.Logger) Option { return func(e *Engine) { e.log = l } }
func WithReporter(r Reporter) Option { return func(e *Engine) { e.rep = r } }
func WithSigner(s Signer) Option { return func(e *Engine) { e.signer = s } }
func WithVerifier(v VoteVerifier) Option { return func(e *Engine) { e.verifier = v } }
func WithRoster(r Roster) Option { return func(e *Engine) { e.roster = r } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine is one node's consensus state machine for a shard chain.
type Engine struct {
	cfg      Config
	out      Broadcaster
	log      log.Logger
	rep      Reporter
	signer   Signer
	verifier VoteVerifier
	roster   Roster
	now      func() time.Time

	height       types.Height
	view         types.View
	previousHash string
	chain        []types.Block
	highestQC    *types.QuorumCertificate

	// nil while IDLE
	round *round

	metrics    types.ConsensusMetrics
	firstRound time.Time
}

// New creates an idle engine at genesis (height 0, empty previous hash).
func New(cfg Config, out Broadcaster, opts ...Option) (*Engine, error) {
	if out == nil {
		return nil, ErrMissingBroadcast
	}
	e := &Engine{
		cfg: cfg,
		out: out,
		log: log.NewNopLogger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("module", "consensus", "node", cfg.NodeID, "shard", cfg.ShardID)
	return e, nil
}

// SetRoster replaces the group view used for quorum and voter checks. The
// owner only swaps rosters while the engine is idle.
func (e *Engine) SetRoster(r Roster) { e.roster = r }

// QuorumSize is the number of approvals needed per phase under the current roster.
func (e *Engine) QuorumSize() int { return QuorumSize(e.quorumBase()) }

func (e *Engine) quorumBase() int {
	if e.roster == nil {
		return 0
	}
	return e.roster.QuorumBase()
}

func (e *Engine) CanPropose() bool { return e.round == nil }
func (e *Engine) InProgress() bool { return e.round != nil }

func (e *Engine) Height() types.Height { return e.height }
func (e *Engine) View() types.View { return e.view }
func (e *Engine) PreviousHash() string { return e.previousHash }
func (e *Engine) NodeID() types.NodeID { return e.cfg.NodeID }
func (e *Engine) ShardID() types.ShardID { return e.cfg.ShardID }

// Phase returns the current phase, PhaseIdle when no round is active.
func (e *Engine) Phase() types.Phase {
	if e.round == nil {
		return types.PhaseIdle
	}
	return e.round.phase
}

// CurrentProposal returns the active proposal, if any.
func (e *Engine) CurrentProposal() (types.ConsensusProposal, bool) {
	if e.round == nil {
		return types.ConsensusProposal{}, false
	}
	return e.round.proposal, true
}

// HighestQC returns the most recently formed quorum certificate.
func (e *Engine) HighestQC() (types.QuorumCertificate, bool) {
	if e.highestQC == nil {
		return types.QuorumCertificate{}, false
	}
	return *e.highestQC, true
}

// Chain returns a copy of the committed blocks in height order. Every block
// links to the one before it; after a sync across a gap the chain starts at
// the synced block.
func (e *Engine) Chain() []types.Block {
	out := make([]types.Block, len(e.chain))
	copy(out, e.chain)
	return out
}

// Metrics returns a snapshot of the running statistics.
func (e *Engine) Metrics() types.ConsensusMetrics { return e.metrics }

// BlockHash derives the identifier of the block at height on top of prev.
func BlockHash(height types.Height, prev string, ts time.Time) string {
	return fmt.Sprintf("%X", tmhash.Sum([]byte(fmt.Sprintf("%d|%s|%d", height, prev, ts.UnixNano()))))
}

// Propose starts a round as leader over txs.
func (e *Engine) Propose(txs []types.Transaction) (types.ConsensusProposal, error) {
	if e.round != nil {
		return types.ConsensusProposal{}, ErrRoundInProgress
	}
	if len(txs) == 0 {
		return types.ConsensusProposal{}, ErrNoTransactions
	}
	now := e.now()
	height := e.height + 1
	p := types.ConsensusProposal{
		ProposalID:   fmt.Sprintf("%s_%d_%d_%d", e.cfg.NodeID, e.view, height, now.UnixNano()),
		BlockHeight:  height,
		ViewNumber:   e.view,
		LeaderID:     e.cfg.NodeID,
		ShardID:      e.cfg.ShardID,
		Transactions: append([]types.Transaction(nil), txs...),
		BlockHash:    BlockHash(height, e.previousHash, now),
		Timestamp:    now,
	}
	e.startRound(p, now, true)
	e.log.Info("proposing block", "height", height, "txs", len(txs), "proposal", p.ProposalID)

	e.out.BroadcastProposal(p)
	e.castVote(p.ProposalID, types.PhasePrepare, true)
	return p, nil
}

func (e *Engine) startRound(p types.ConsensusProposal, now time.Time, leader bool) {
	e.round = newRound(p, now, leader)
	e.metrics.TotalProposals++
	if e.firstRound.IsZero() {
		e.firstRound = now
	}
}

// OnProposal validates p and, when acceptable, adopts it and votes to
// approve its PREPARE phase. An unacceptable proposal gets a rejecting vote
// and leaves the engine unchanged.
func (e *Engine) OnProposal(p types.ConsensusProposal) error {
	if e.round != nil && e.round.id() == p.ProposalID {
		e.log.Debug("duplicate proposal", "proposal", p.ProposalID)
		return nil
	}
	if err := e.validate(p); err != nil {
		e.log.Info("rejecting proposal", "proposal", p.ProposalID, "leader", p.LeaderID, "err", err)
		e.castVote(p.ProposalID, types.PhasePrepare, false)
		return err
	}
	if p.ViewNumber > e.view {
		e.view = p.ViewNumber
	}
	e.startRound(p, e.now(), false)
	e.log.Debug("accepted proposal", "proposal", p.ProposalID, "height", p.BlockHeight, "leader", p.LeaderID)
	e.castVote(p.ProposalID, types.PhasePrepare, true)
	return nil
}

func (e *Engine) validate(p types.ConsensusProposal) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidProposal, fmt.Sprintf(format, args...))
	}
	switch {
	case e.round != nil:
		return invalid("round %s already in progress", e.round.id())
	case p.ProposalID == "" || p.BlockHash == "" || p.LeaderID == "":
		return invalid("missing identifiers")
	case p.ShardID != e.cfg.ShardID:
		return invalid("shard %d, expected %d", p.ShardID, e.cfg.ShardID)
	case p.BlockHeight != e.height+1:
		return invalid("height %d, expected %d", p.BlockHeight, e.height+1)
	case p.ViewNumber < e.view:
		return invalid("stale view %d, current %d", p.ViewNumber, e.view)
	case len(p.Transactions) == 0:
		return invalid("no transactions")
	}
	for i, tx := range p.Transactions {
		if !tx.Valid() {
			return invalid("transaction %d malformed", i)
		}
	}
	return nil
}

// castVote signs and broadcasts a vote, then applies it locally so the
// engine's own ballot counts toward its quorum.
func (e *Engine) castVote(proposalID string, phase types.Phase, approve bool) {
	v := types.Vote{
		ProposalID: proposalID,
		VoterID:    e.cfg.NodeID,
		Phase:      phase,
		Approve:    approve,
		Timestamp:  e.now(),
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(v.SignBytes())
		if err != nil {
			e.log.Error("failed to sign vote", "proposal", proposalID, "phase", phase, "err", err)
			return
		}
		v.Signature = sig
	}
	e.out.BroadcastVote(v)
	e.receiveVote(v, true)
}

// OnVote records a vote from the network. Votes for other proposals,
// duplicates and votes from non-participants are dropped. Votes for a later
// phase are kept and counted once the engine reaches that phase.
func (e *Engine) OnVote(v types.Vote) {
	e.receiveVote(v, false)
}

func (e *Engine) receiveVote(v types.Vote, local bool) {
	r := e.round
	if r == nil || v.ProposalID != r.id() {
		e.log.Debug("dropping vote for inactive proposal", "proposal", v.ProposalID, "voter", v.VoterID)
		return
	}
	if v.Phase < types.PhasePrepare || v.Phase > types.PhaseCommit {
		e.log.Debug("dropping vote with bad phase", "voter", v.VoterID, "phase", v.Phase)
		return
	}
	if e.roster != nil && !e.roster.CanVote(v.VoterID) {
		e.log.Debug("dropping vote from non-participant", "voter", v.VoterID)
		return
	}
	if !local && e.verifier != nil {
		if err := e.verifier.VerifyVote(v); err != nil {
			e.log.Info("dropping unverifiable vote", "voter", v.VoterID, "err", err)
			return
		}
	}
	if !r.votes.add(v) {
		e.log.Debug("duplicate vote", "voter", v.VoterID, "phase", v.Phase)
		return
	}
	if v.Phase != r.phase {
		return
	}
	if e.hasQuorum(r, r.phase) {
		e.advancePhase()
		return
	}
	if e.cfg.EarlyAbort && !v.Approve && e.quorumUnreachable(r) {
		e.abort("quorum unreachable")
	}
}

func (e *Engine) hasQuorum(r *round, phase types.Phase) bool {
	return r.votes.get(r.id(), phase).approvals() >= e.QuorumSize()
}

// quorumUnreachable reports whether the rejections seen leave too few
// eligible voters, redundant and permanent members included, to approve.
func (e *Engine) quorumUnreachable(r *round) bool {
	if e.roster == nil {
		return false
	}
	voters, q := e.roster.Voters(), e.QuorumSize()
	if voters < q {
		return false
	}
	return r.votes.get(r.id(), r.phase).rejections() > voters-q
}

func (e *Engine) maybeAdvance() {
	if r := e.round; r != nil && e.hasQuorum(r, r.phase) {
		e.advancePhase()
	}
}

// advancePhase certifies the current phase and moves to the next one, or
// commits after COMMIT.
func (e *Engine) advancePhase() {
	r := e.round
	qc := e.certify(r, r.phase)

	next, ok := r.phase.Next()
	if !ok {
		e.commit(r, qc)
		return
	}
	e.log.Debug("phase complete", "proposal", r.id(), "phase", r.phase, "votes", qc.TotalVotes)
	r.phase = next
	if r.leader {
		e.out.BroadcastPhaseAdvance(PhaseAdvance{ProposalID: r.id(), LeaderID: e.cfg.NodeID, Phase: next})
	}
	e.castVote(r.id(), next, true)
	e.maybeAdvance()
}

func (e *Engine) certify(r *round, phase types.Phase) types.QuorumCertificate {
	votes := r.votes.get(r.id(), phase).approved()
	qc := types.QuorumCertificate{
		ProposalID:  r.id(),
		Phase:       phase,
		BlockHeight: r.proposal.BlockHeight,
		ViewNumber:  r.proposal.ViewNumber,
		Votes:       votes,
		TotalVotes:  len(votes),
		Timestamp:   e.now(),
	}
	r.qcs[phase] = qc
	e.highestQC = &qc
	return qc
}

// OnPhaseAdvance moves a follower to the leader's next phase. Only the
// immediate successor of the current phase is accepted; notices for a phase
// the follower already reached on its own are ignored.
func (e *Engine) OnPhaseAdvance(pa PhaseAdvance) error {
	r := e.round
	if r == nil || r.id() != pa.ProposalID {
		e.log.Debug("ignoring phase advance", "proposal", pa.ProposalID)
		return ErrUnknownProposal
	}
	if r.proposal.LeaderID != pa.LeaderID {
		e.log.Info("phase advance from non-leader", "from", pa.LeaderID, "leader", r.proposal.LeaderID)
		return fmt.Errorf("%w: sent by %s", ErrUnexpectedPhase, pa.LeaderID)
	}
	if pa.Phase <= r.phase {
		e.log.Debug("stale phase advance", "proposal", r.id(), "current", r.phase, "got", pa.Phase)
		return nil
	}
	next, ok := r.phase.Next()
	if !ok || pa.Phase != next {
		e.log.Info("unexpected phase advance", "proposal", r.id(), "current", r.phase, "got", pa.Phase)
		return fmt.Errorf("%w: %s while in %s", ErrUnexpectedPhase, pa.Phase, r.phase)
	}
	r.phase = next
	e.castVote(r.id(), next, true)
	e.maybeAdvance()
	return nil
}

// OnTimeout abandons the active round. It returns the abandoned proposal so
// the caller can attribute the failure.
func (e *Engine) OnTimeout() (types.ConsensusProposal, bool) {
	r := e.round
	if r == nil {
		return types.ConsensusProposal{}, false
	}
	e.abort("timeout")
	return r.proposal, true
}

func (e *Engine) abort(reason string) {
	r := e.round
	e.metrics.FailedConsensus++
	e.round = nil
	e.log.Info("consensus failed", "proposal", r.id(), "phase", r.phase, "reason", reason)
}

func (e *Engine) commit(r *round, qc types.QuorumCertificate) {
	now := e.now()
	p := r.proposal
	block := types.Block{
		Height:       p.BlockHeight,
		BlockHash:    p.BlockHash,
		PreviousHash: e.previousHash,
		ShardID:      p.ShardID,
		Transactions: p.Transactions,
		QC:           qc,
		Proposer:     p.LeaderID,
		Timestamp:    now,
	}
	e.chain = append(e.chain, block)
	e.height = block.Height
	e.previousHash = block.BlockHash
	e.metrics.ObserveCommit(now.Sub(r.started), len(block.Transactions), now.Sub(e.firstRound))
	e.round = nil

	e.log.Info("committed block", "height", block.Height, "hash", block.BlockHash, "txs", len(block.Transactions), "voters", qc.TotalVotes)
	e.out.Committed(block)
	e.report(p.LeaderID, reputation.EventProposeValidBlock)
	for _, id := range qc.Voters() {
		e.report(id, reputation.EventVoteCorrectly)
	}
}

func (e *Engine) report(id types.NodeID, ev reputation.Event) {
	if e.rep == nil {
		return
	}
	if err := e.rep.RecordEvent(id, ev); err != nil {
		e.log.Debug("reputation update skipped", "target", id, "event", ev, "err", err)
	}
}

// SyncTo fast-forwards a node that missed rounds to a block committed by its
// shard. Blocks at or below the local height are ignored, and so is a block
// at the next height that does not extend the local tip. An active round at
// or below the block's height is discarded without counting as a failure.
// Syncing across a gap restarts the local chain at b.
func (e *Engine) SyncTo(b types.Block) bool {
	if b.Height <= e.height || b.ShardID != e.cfg.ShardID {
		return false
	}
	if b.Height == e.height+1 && b.PreviousHash != e.previousHash {
		e.log.Info("rejecting block that does not extend the local chain",
			"height", b.Height, "prev", b.PreviousHash, "tip", e.previousHash)
		return false
	}
	if r := e.round; r != nil {
		if r.proposal.BlockHeight > b.Height {
			return false
		}
		e.log.Debug("discarding round superseded by sync", "proposal", r.id())
		e.round = nil
	}
	if b.Height == e.height+1 {
		e.chain = append(e.chain, b)
	} else {
		e.log.Info("syncing across a gap", "from", e.height, "to", b.Height)
		e.chain = []types.Block{b}
	}
	e.height = b.Height
	e.previousHash = b.BlockHash
	if b.QC.ViewNumber > e.view {
		e.view = b.QC.ViewNumber
	}
	return true
}
