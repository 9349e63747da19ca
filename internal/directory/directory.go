// Package directory is the shard-wide authority every simulated node
// consults: who belongs to a shard, which group and leader are elected, and
// the shard's reference reputation ledger that drives those elections.
//
// Reads take the cached election under a read lock. Elections and ledger
// updates happen under the write lock and bump the election version, which
// nodes compare to decide when to refresh their roster.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/keys"
	"tribft/internal/reputation"
	"tribft/internal/selection"
	"tribft/internal/types"
)

const DefaultEpochBlocks = 10

var (
	ErrUnknownShard = errors.New("unknown shard")
	ErrNoMembers    = errors.New("shard has no members")
)

type Config struct {
	Selection  selection.Config
	Reputation reputation.Config
	// EpochBlocks is the number of committed blocks per epoch.
	EpochBlocks int
}

// Election is one published election of a shard.
type Election struct {
	Shard    types.ShardID
	Version  uint64
	Epoch    int
	Leader   types.NodeID
	Snapshot selection.Snapshot
}

func (e Election) Role(id types.NodeID) types.NodeRole { return e.Snapshot.Role(id) }

// Observer is told about elections and failed rounds. Calls happen outside
// the directory lock, on the goroutine that triggered them.
type Observer interface {
	Elected(e Election)
	RoundFailed(p types.ConsensusProposal)
}

type shard struct {
	id       types.ShardID
	members  map[types.NodeID]types.NodeIdentity
	ledger   *reputation.Store
	selector *selection.Selector

	election Election
	elected  bool
	version  uint64

	height types.Height
	// proposals already penalized since the last commit
	failed map[string]struct{}
}

func (s *shard) memberList() []types.NodeIdentity {
	out := make([]types.NodeIdentity, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type Directory struct {
	mu        sync.RWMutex
	cfg       Config
	shards    map[types.ShardID]*shard
	keys      *keys.Registry
	observers []Observer
	base      log.Logger
	log       log.Logger
}

func New(cfg Config, logger log.Logger) *Directory {
	if cfg.EpochBlocks <= 0 {
		cfg.EpochBlocks = DefaultEpochBlocks
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Directory{
		cfg:    cfg,
		shards: make(map[types.ShardID]*shard),
		keys:   keys.NewRegistry(),
		base:   logger,
		log:    logger.With("module", "directory"),
	}
}

// AddObserver registers o for election and failure notices.
func (d *Directory) AddObserver(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// Keys is the public key registry used to verify votes.
func (d *Directory) Keys() *keys.Registry { return d.keys }

// Epoch maps a committed height to its epoch.
func (d *Directory) Epoch(h types.Height) int {
	return int(h) / d.cfg.EpochBlocks
}

func (d *Directory) shardLocked(id types.ShardID, create bool) *shard {
	sh, ok := d.shards[id]
	if !ok && create {
		sh = &shard{
			id:       id,
			members:  make(map[types.NodeID]types.NodeIdentity),
			ledger:   reputation.NewStore(d.cfg.Reputation, d.base.With("shard", id)),
			selector: selection.New(id, d.cfg.Selection, d.base),
			failed:   make(map[string]struct{}),
		}
		d.shards[id] = sh
	}
	return sh
}

// Join adds a member to shard. pk may be nil when votes are not signed. A
// joining node stays ORDINARY until the next election.
func (d *Directory) Join(shardID types.ShardID, m types.NodeIdentity, pk crypto.PubKey) {
	d.mu.Lock()
	sh := d.shardLocked(shardID, true)
	sh.members[m.ID] = m
	sh.ledger.Register(m.ID, reputation.NeutralScore)
	d.mu.Unlock()

	if pk != nil {
		d.keys.Add(m.ID, pk)
	}
	d.log.Debug("node joined", "shard", shardID, "node", m.ID, "rsu", m.IsRSU)
}

// Leave removes a member. When it was the leader a new leader is chosen
// among the remaining primaries.
func (d *Directory) Leave(shardID types.ShardID, id types.NodeID) {
	d.mu.Lock()
	sh := d.shardLocked(shardID, false)
	if sh == nil {
		d.mu.Unlock()
		return
	}
	delete(sh.members, id)
	sh.ledger.Unregister(id)
	var notify []Election
	if sh.elected && sh.election.Leader == id {
		if d.reelectLeaderLocked(sh) {
			notify = append(notify, sh.election)
		}
	}
	observers := d.observers
	d.mu.Unlock()

	d.keys.Remove(id)
	d.log.Debug("node left", "shard", shardID, "node", id)
	for _, e := range notify {
		for _, o := range observers {
			o.Elected(e)
		}
	}
}

// Elect runs an election for the shard's current epoch and publishes it.
func (d *Directory) Elect(shardID types.ShardID) (Election, error) {
	d.mu.Lock()
	sh := d.shardLocked(shardID, false)
	if sh == nil {
		d.mu.Unlock()
		return Election{}, fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	if len(sh.members) == 0 {
		d.mu.Unlock()
		return Election{}, fmt.Errorf("%w: %d", ErrNoMembers, shardID)
	}
	e := d.electLocked(sh, d.Epoch(sh.height))
	observers := d.observers
	d.mu.Unlock()

	for _, o := range observers {
		o.Elected(e)
	}
	return e, nil
}

func (d *Directory) electLocked(sh *shard, epoch int) Election {
	snap := sh.selector.Elect(sh.memberList(), epoch, sh.ledger)
	sh.version++
	sh.elected = true
	sh.election = Election{
		Shard:    sh.id,
		Version:  sh.version,
		Epoch:    epoch,
		Leader:   selection.ElectLeader(snap.Group.PrimaryNodes, sh.ledger),
		Snapshot: snap,
	}
	d.log.Info("election published", "shard", sh.id, "epoch", epoch, "version", sh.version, "leader", sh.election.Leader)
	return sh.election
}

// reelectLeaderLocked picks the best remaining primary and reports whether
// the leader changed.
func (d *Directory) reelectLeaderLocked(sh *shard) bool {
	var live []types.NodeID
	for _, id := range sh.election.Snapshot.Group.PrimaryNodes {
		if _, ok := sh.members[id]; ok {
			live = append(live, id)
		}
	}
	leader := selection.ElectLeader(live, sh.ledger)
	if leader == sh.election.Leader {
		return false
	}
	sh.version++
	sh.election.Version = sh.version
	sh.election.Leader = leader
	d.log.Info("leader replaced", "shard", sh.id, "version", sh.version, "leader", leader)
	return true
}

// Current returns the shard's published election.
func (d *Directory) Current(shardID types.ShardID) (Election, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sh := d.shardLocked(shardID, false)
	if sh == nil || !sh.elected {
		return Election{}, false
	}
	return sh.election, true
}

// Leader returns the shard's current leader, empty before the first election.
func (d *Directory) Leader(shardID types.ShardID) types.NodeID {
	e, _ := d.Current(shardID)
	return e.Leader
}

// Height is the highest committed height recorded for the shard.
func (d *Directory) Height(shardID types.ShardID) types.Height {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if sh := d.shardLocked(shardID, false); sh != nil {
		return sh.height
	}
	return 0
}

// Members lists the shard's members sorted by id.
func (d *Directory) Members(shardID types.ShardID) []types.NodeIdentity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if sh := d.shardLocked(shardID, false); sh != nil {
		return sh.memberList()
	}
	return nil
}

// Ledger is the shard's reference reputation store.
func (d *Directory) Ledger(shardID types.ShardID) *reputation.Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if sh := d.shardLocked(shardID, false); sh != nil {
		return sh.ledger
	}
	return nil
}

// Shards lists known shard ids in order.
func (d *Directory) Shards() []types.ShardID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ShardID, 0, len(d.shards))
	for id := range d.shards {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecordCommit folds a committed block into the ledger once per height and
// re-elects the group when the block opens a new epoch. It returns the new
// election when one happened.
func (d *Directory) RecordCommit(b types.Block) (Election, bool) {
	d.mu.Lock()
	sh := d.shardLocked(b.ShardID, false)
	if sh == nil || b.Height <= sh.height {
		d.mu.Unlock()
		return Election{}, false
	}
	sh.height = b.Height
	sh.failed = make(map[string]struct{})
	if err := sh.ledger.RecordEvent(b.Proposer, reputation.EventProposeValidBlock); err != nil {
		d.log.Debug("ledger update skipped", "node", b.Proposer, "err", err)
	}
	for _, id := range b.QC.Voters() {
		if err := sh.ledger.RecordEvent(id, reputation.EventVoteCorrectly); err != nil {
			d.log.Debug("ledger update skipped", "node", id, "err", err)
		}
	}

	epoch := d.Epoch(b.Height)
	if !sh.selector.NeedsReelection(epoch) {
		d.mu.Unlock()
		return Election{}, false
	}
	e := d.electLocked(sh, epoch)
	observers := d.observers
	d.mu.Unlock()

	for _, o := range observers {
		o.Elected(e)
	}
	return e, true
}

// RecordFailure penalizes the leader of a failed proposal once, however many
// nodes report it, and hands leadership to the best primary if that changed.
func (d *Directory) RecordFailure(p types.ConsensusProposal) {
	d.mu.Lock()
	sh := d.shardLocked(p.ShardID, false)
	if sh == nil {
		d.mu.Unlock()
		return
	}
	if _, seen := sh.failed[p.ProposalID]; seen {
		d.mu.Unlock()
		return
	}
	sh.failed[p.ProposalID] = struct{}{}
	if err := sh.ledger.PenalizeTimeout(p.LeaderID); err != nil {
		d.log.Debug("ledger update skipped", "node", p.LeaderID, "err", err)
	}
	var notify []Election
	if sh.elected && d.reelectLeaderLocked(sh) {
		notify = append(notify, sh.election)
	}
	observers := d.observers
	d.mu.Unlock()

	for _, o := range observers {
		o.RoundFailed(p)
		for _, e := range notify {
			o.Elected(e)
		}
	}
}

// Decay applies one decay step to every shard ledger.
func (d *Directory) Decay() {
	d.mu.RLock()
	ledgers := make([]*reputation.Store, 0, len(d.shards))
	for _, sh := range d.shards {
		ledgers = append(ledgers, sh.ledger)
	}
	d.mu.RUnlock()
	for _, l := range ledgers {
		l.ApplyDecay()
	}
}
