// Package node runs one simulated vehicle or RSU: a single goroutine that
// owns a consensus engine and a local reputation view, and drains the node's
// inbox, round timer, proposal ticker and decay ticker.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/consensus"
	"tribft/internal/directory"
	"tribft/internal/keys"
	"tribft/internal/reputation"
	"tribft/internal/transport"
	"tribft/internal/types"
)

const (
	DefaultRoundTimeout  = 5 * time.Second
	DefaultBlockInterval = 500 * time.Millisecond
	DefaultBatchSize     = 10
)

type Config struct {
	RoundTimeout  time.Duration
	BlockInterval time.Duration
	// DecayInterval of zero disables local decay.
	DecayInterval time.Duration
	BatchSize     int
	EarlyAbort    bool
	Reputation    reputation.Config
}

func (c *Config) setDefaults() {
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.BlockInterval <= 0 {
		c.BlockInterval = DefaultBlockInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// TxSource produces the next batch of at most n transactions for a shard.
type TxSource interface {
	Next(shard types.ShardID, n int) []types.Transaction
}

// Status is a point-in-time view of a node, safe to read from any goroutine.
type Status struct {
	ID       types.NodeID
	Shard    types.ShardID
	IsRSU    bool
	Role     types.NodeRole
	Leader   bool
	Height   types.Height
	View     types.View
	Phase    types.Phase
	LastHash string
	Metrics  types.ConsensusMetrics
	Chain    []types.Block
}

type Option func(*Node)

func WithLogger(l log.Logger) Option   { return func(n *Node) { n.log = l } }
func WithSigner(s *keys.Signer) Option { return func(n *Node) { n.signer = s } }
func WithTxSource(s TxSource) Option   { return func(n *Node) { n.txs = s } }

type Node struct {
	ident types.NodeIdentity
	shard types.ShardID
	cfg   Config

	dir    *directory.Directory
	bus    *transport.Bus
	inbox  <-chan transport.Message
	engine *consensus.Engine
	store  *reputation.Store
	signer *keys.Signer
	txs    TxSource
	log    log.Logger

	election    directory.Election
	hasElection bool

	timer    *time.Timer
	timerFor string

	mu     sync.RWMutex
	status Status
}

// New wires a node into the directory's shard and the bus. The caller joins
// the node to the directory beforehand.
func New(ident types.NodeIdentity, shard types.ShardID, cfg Config, dir *directory.Directory, bus *transport.Bus, opts ...Option) (*Node, error) {
	cfg.setDefaults()
	n := &Node{
		ident: ident,
		shard: shard,
		cfg:   cfg,
		dir:   dir,
		bus:   bus,
		log:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.txs == nil {
		n.txs = NewSequentialSource(dir)
	}
	base := n.log
	n.log = base.With("module", "node", "node", ident.ID, "shard", shard)
	n.store = reputation.NewStore(cfg.Reputation, base.With("node", ident.ID))

	inbox, err := bus.Register(shard, ident.ID)
	if err != nil {
		return nil, err
	}
	n.inbox = inbox

	engineOpts := []consensus.Option{
		consensus.WithLogger(base),
		consensus.WithReporter(n.store),
	}
	if n.signer != nil {
		engineOpts = append(engineOpts, consensus.WithSigner(n.signer), consensus.WithVerifier(dir.Keys()))
	}
	n.engine, err = consensus.New(consensus.Config{
		NodeID:     ident.ID,
		ShardID:    shard,
		EarlyAbort: cfg.EarlyAbort,
	}, outbound{n}, engineOpts...)
	if err != nil {
		return nil, err
	}
	n.publishStatus()
	return n, nil
}

func (n *Node) ID() types.NodeID { return n.ident.ID }

// Store is the node's local reputation view. It is safe for concurrent reads.
func (n *Node) Store() *reputation.Store { return n.store }

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Run drives the node until ctx is done or its inbox is closed.
func (n *Node) Run(ctx context.Context) error {
	propose := time.NewTicker(n.cfg.BlockInterval)
	defer propose.Stop()
	var decay <-chan time.Time
	if n.cfg.DecayInterval > 0 {
		t := time.NewTicker(n.cfg.DecayInterval)
		defer t.Stop()
		decay = t.C
	}
	defer n.stopTimer()

	n.refresh()
	n.publishStatus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-n.inbox:
			if !ok {
				return nil
			}
			n.handle(m)
		case <-propose.C:
			n.tryPropose()
		case <-n.timerC():
			n.onTimeout()
		case <-decay:
			n.store.ApplyDecay()
		}
		n.armTimer()
		n.publishStatus()
	}
}

// Close detaches the node from the bus, which ends Run.
func (n *Node) Close() {
	n.bus.Unregister(n.shard, n.ident.ID)
}

func (n *Node) handle(m transport.Message) {
	if m.Kind == transport.KindDecide {
		n.onDecide(*m.Block)
		return
	}
	n.refresh()
	if !n.role().Participates() {
		return
	}
	switch m.Kind {
	case transport.KindProposal:
		p := *m.Proposal
		if !n.election.Snapshot.Group.IsPrimary(p.LeaderID) {
			n.log.Info("ignoring proposal from non-primary", "leader", p.LeaderID, "proposal", p.ProposalID)
			return
		}
		if err := n.engine.OnProposal(p); err != nil {
			n.log.Debug("proposal rejected", "proposal", p.ProposalID, "err", err)
		}
	case transport.KindVote:
		n.engine.OnVote(*m.Vote)
	case transport.KindPhaseAdvance:
		if err := n.engine.OnPhaseAdvance(*m.Advance); err != nil {
			n.log.Debug("phase advance rejected", "err", err)
		}
	}
}

func (n *Node) onDecide(b types.Block) {
	if b.Height <= n.engine.Height() {
		return
	}
	if n.engine.SyncTo(b) {
		n.log.Debug("synced to decided block", "height", b.Height)
	} else {
		n.log.Debug("decided block not adopted", "height", b.Height, "hash", b.BlockHash)
	}
	n.refresh()
}

func (n *Node) tryPropose() {
	n.refresh()
	if !n.hasElection || n.election.Leader != n.ident.ID || !n.engine.CanPropose() {
		return
	}
	txs := n.txs.Next(n.shard, n.cfg.BatchSize)
	if len(txs) == 0 {
		return
	}
	if _, err := n.engine.Propose(txs); err != nil {
		n.log.Error("propose failed", "err", err)
	}
}

// refresh adopts the latest published election, but only between rounds so
// a round's quorum never changes under it.
func (n *Node) refresh() {
	if n.engine.InProgress() {
		return
	}
	e, ok := n.dir.Current(n.shard)
	if !ok || (n.hasElection && e.Version == n.election.Version) {
		return
	}
	prev := n.role()
	n.election, n.hasElection = e, true
	n.engine.SetRoster(e.Snapshot)
	for _, m := range n.dir.Members(n.shard) {
		n.store.Register(m.ID, reputation.NeutralScore)
	}
	if role := n.role(); role != prev {
		n.log.Info("role changed", "from", prev, "to", role, "epoch", e.Epoch)
	}
}

func (n *Node) role() types.NodeRole {
	if !n.hasElection {
		return types.RoleOrdinary
	}
	return n.election.Role(n.ident.ID)
}

func (n *Node) timerC() <-chan time.Time {
	if n.timer == nil {
		return nil
	}
	return n.timer.C
}

func (n *Node) armTimer() {
	p, ok := n.engine.CurrentProposal()
	if !ok {
		n.stopTimer()
		return
	}
	if n.timerFor == p.ProposalID {
		return
	}
	n.stopTimer()
	n.timer = time.NewTimer(n.cfg.RoundTimeout)
	n.timerFor = p.ProposalID
}

func (n *Node) stopTimer() {
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = nil
	n.timerFor = ""
}

func (n *Node) onTimeout() {
	n.timer = nil
	n.timerFor = ""
	p, ok := n.engine.OnTimeout()
	if !ok {
		return
	}
	if err := n.store.PenalizeTimeout(p.LeaderID); err != nil {
		n.log.Debug("local penalty skipped", "leader", p.LeaderID, "err", err)
	}
	n.dir.RecordFailure(p)
}

func (n *Node) publishStatus() {
	st := Status{
		ID:       n.ident.ID,
		Shard:    n.shard,
		IsRSU:    n.ident.IsRSU,
		Role:     n.role(),
		Leader:   n.hasElection && n.election.Leader == n.ident.ID,
		Height:   n.engine.Height(),
		View:     n.engine.View(),
		Phase:    n.engine.Phase(),
		LastHash: n.engine.PreviousHash(),
		Metrics:  n.engine.Metrics(),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if st.Height != n.status.Height || n.status.Chain == nil {
		st.Chain = n.engine.Chain()
	} else {
		st.Chain = n.status.Chain
	}
	n.status = st
}

// outbound adapts the bus and directory to the engine's Broadcaster.
type outbound struct{ n *Node }

func (o outbound) BroadcastProposal(p types.ConsensusProposal) {
	o.n.bus.Publish(transport.ProposalMsg(o.n.ident.ID, p))
}

func (o outbound) BroadcastVote(v types.Vote) {
	o.n.bus.Publish(transport.VoteMsg(o.n.ident.ID, o.n.shard, v))
}

func (o outbound) BroadcastPhaseAdvance(pa consensus.PhaseAdvance) {
	o.n.bus.Publish(transport.PhaseAdvanceMsg(o.n.ident.ID, o.n.shard, pa))
}

// Committed records the block with the directory. The proposer also sends
// the decide notice that lets non-participants follow the chain.
func (o outbound) Committed(b types.Block) {
	o.n.dir.RecordCommit(b)
	if b.Proposer == o.n.ident.ID {
		o.n.bus.Publish(transport.DecideMsg(o.n.ident.ID, b))
	}
}
