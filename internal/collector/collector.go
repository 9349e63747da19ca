// Package collector watches the simulated network from the side: it taps the
// bus and the directory, journals rounds, votes, blocks and elections, feeds
// prometheus and pushes display state to the TUI.
package collector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/db"
	"tribft/internal/directory"
	"tribft/internal/metrics"
	"tribft/internal/models"
	"tribft/internal/transport"
	"tribft/internal/tui"
	"tribft/internal/types"
)

const (
	// TUIChannelBufferSize is the capacity of the channel feeding the TUI.
	TUIChannelBufferSize = 256
	// TUICloseDelay gives the TUI time to drain before its channel closes.
	TUICloseDelay = 100 * time.Millisecond

	DefaultStallAfter = 30 * time.Second
	DefaultUIInterval = 250 * time.Millisecond

	noticeBufferSize = 256
	// rounds older than this many heights below the tip are forgotten
	roundRetention = 2
)

type Option func(*Collector)

func WithJournal(j *db.Journal) Option { return func(c *Collector) { c.journal = j } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Collector) { c.metrics = m } }

// WithUI sends display updates to ch. Sends never block; a full channel
// loses the update and the next one supersedes it.
func WithUI(ch chan<- any) Option { return func(c *Collector) { c.ui = ch } }

func WithLogger(l log.Logger) Option { return func(c *Collector) { c.log = l } }

// WithStallAfter sets how long without a committed block counts as a stall.
func WithStallAfter(d time.Duration) Option { return func(c *Collector) { c.stallAfter = d } }

// WithUIInterval sets how often batched display updates are pushed.
func WithUIInterval(d time.Duration) Option { return func(c *Collector) { c.uiInterval = d } }

type roundKey struct {
	shard  types.ShardID
	height types.Height
}

type roundInfo struct {
	shard      types.ShardID
	height     types.Height
	leader     types.NodeID
	proposedAt time.Time
}

type shardView struct {
	info       tui.ShardInfo
	members    []tui.MemberInfo
	index      map[types.NodeID]int
	proposal   string
	lastBlock  time.Time
	totalBlock time.Duration
	dirty      bool
}

type Collector struct {
	dir     *directory.Directory
	events  <-chan transport.Message
	journal *db.Journal
	metrics *metrics.Metrics
	ui      chan<- any
	log     log.Logger

	stallAfter time.Duration
	uiInterval time.Duration

	elections chan directory.Election
	failures  chan types.ConsensusProposal

	lastBlockTime   time.Time
	lastBlockTimeMu sync.RWMutex

	mu     sync.Mutex
	rounds map[string]roundInfo
	// Vote accumulation per (shard, height), written in one batch once the
	// following height commits so late COMMIT votes are included.
	pendingVotes map[roundKey][]*models.RoundVote
	shards       map[types.ShardID]*shardView
	flushed      int
}

// New creates a collector reading events. It must be registered with
// dir.AddObserver to see elections and failed rounds.
func New(dir *directory.Directory, events <-chan transport.Message, opts ...Option) *Collector {
	c := &Collector{
		dir:          dir,
		events:       events,
		stallAfter:   DefaultStallAfter,
		uiInterval:   DefaultUIInterval,
		elections:    make(chan directory.Election, noticeBufferSize),
		failures:     make(chan types.ConsensusProposal, noticeBufferSize),
		rounds:       make(map[string]roundInfo),
		pendingVotes: make(map[roundKey][]*models.RoundVote),
		shards:       make(map[types.ShardID]*shardView),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.NewNopLogger()
	}
	c.log = c.log.With("module", "collector")
	return c
}

// Elected queues an election notice.
func (c *Collector) Elected(e directory.Election) {
	select {
	case c.elections <- e:
	default:
		c.log.Error("election notice dropped", "shard", e.Shard, "version", e.Version)
	}
}

// RoundFailed queues a failed round notice.
func (c *Collector) RoundFailed(p types.ConsensusProposal) {
	select {
	case c.failures <- p:
	default:
		c.log.Error("failure notice dropped", "shard", p.ShardID, "proposal", p.ProposalID)
	}
}

// Run consumes events until ctx is done or the event channel closes, then
// flushes every pending vote.
func (c *Collector) Run(ctx context.Context) error {
	c.updateLastBlockTime()

	watchdog := time.NewTicker(c.stallAfter)
	defer watchdog.Stop()
	uiTick := time.NewTicker(c.uiInterval)
	defer uiTick.Stop()
	defer c.flushAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-c.events:
			if !ok {
				c.log.Info("event channel closed")
				return nil
			}
			c.handleMessage(m)
		case e := <-c.elections:
			c.handleElection(e)
		case p := <-c.failures:
			c.handleFailure(p)
		case <-uiTick.C:
			c.pushDirty()
		case <-watchdog.C:
			if c.stalled() {
				c.log.Info("no blocks committed recently", "for", c.stallAfter)
			}
		}
	}
}

func (c *Collector) handleMessage(m transport.Message) {
	switch m.Kind {
	case transport.KindProposal:
		if m.Proposal != nil {
			c.handleProposal(*m.Proposal)
		}
	case transport.KindVote:
		if m.Vote != nil {
			c.handleVote(m.Shard, *m.Vote)
		}
	case transport.KindPhaseAdvance:
		if m.Advance != nil {
			c.handlePhaseAdvance(m.Shard, m.Advance.ProposalID, m.Advance.Phase)
		}
	case transport.KindDecide:
		if m.Block != nil {
			c.updateLastBlockTime()
			c.handleDecide(*m.Block)
		}
	}
}

func (c *Collector) handleProposal(p types.ConsensusProposal) {
	c.mu.Lock()
	if _, seen := c.rounds[p.ProposalID]; seen {
		c.mu.Unlock()
		return
	}
	c.rounds[p.ProposalID] = roundInfo{
		shard:      p.ShardID,
		height:     p.BlockHeight,
		leader:     p.LeaderID,
		proposedAt: p.Timestamp,
	}
	sv := c.viewLocked(p.ShardID)
	sv.proposal = p.ProposalID
	sv.info.Phase = types.PhasePrepare.String()
	sv.info.Leader = string(p.LeaderID)
	for i := range sv.members {
		sv.members[i].Prepare = tui.VoteStatusNone
		sv.members[i].PreCommit = tui.VoteStatusNone
		sv.members[i].Commit = tui.VoteStatusNone
	}
	sv.dirty = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveProposal(p.ShardID)
	}
	err := c.journal.RecordRound(&models.Round{
		Shard:      int(p.ShardID),
		Height:     uint64(p.BlockHeight),
		View:       uint64(p.ViewNumber),
		ProposalID: p.ProposalID,
		Leader:     string(p.LeaderID),
		TxCount:    len(p.Transactions),
		ProposedAt: p.Timestamp,
	})
	if err != nil {
		c.log.Error("record round", "proposal", p.ProposalID, "err", err)
	}
}

// handleVote accumulates the vote in memory; it is written when the next
// height commits.
func (c *Collector) handleVote(shard types.ShardID, v types.Vote) {
	c.mu.Lock()
	info, ok := c.rounds[v.ProposalID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug("vote for unseen proposal", "proposal", v.ProposalID, "voter", v.VoterID)
		return
	}
	key := roundKey{shard: info.shard, height: info.height}
	c.pendingVotes[key] = append(c.pendingVotes[key], &models.RoundVote{
		Shard:      int(info.shard),
		Height:     uint64(info.height),
		ProposalID: v.ProposalID,
		Voter:      string(v.VoterID),
		Phase:      v.Phase.String(),
		Approve:    v.Approve,
		Timestamp:  v.Timestamp,
	})
	sv := c.viewLocked(info.shard)
	if sv.proposal == v.ProposalID {
		if i, ok := sv.index[v.VoterID]; ok {
			setVote(&sv.members[i], v)
			sv.dirty = true
		}
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveVote(shard, v)
	}
}

func setVote(m *tui.MemberInfo, v types.Vote) {
	status := tui.VoteStatusReject
	if v.Approve {
		status = tui.VoteStatusApprove
	}
	switch v.Phase {
	case types.PhasePrepare:
		m.Prepare = status
	case types.PhasePreCommit:
		m.PreCommit = status
	case types.PhaseCommit:
		m.Commit = status
	}
}

func (c *Collector) handlePhaseAdvance(shard types.ShardID, proposalID string, phase types.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sv := c.viewLocked(shard)
	if sv.proposal == proposalID {
		sv.info.Phase = phase.String()
		sv.dirty = true
	}
}

func (c *Collector) handleDecide(b types.Block) {
	now := time.Now()

	c.mu.Lock()
	info, known := c.rounds[b.QC.ProposalID]
	var latency time.Duration
	if known && !info.proposedAt.IsZero() {
		latency = b.Timestamp.Sub(info.proposedAt)
	}
	sv := c.viewLocked(b.ShardID)
	if b.Height <= types.Height(sv.info.Height) && sv.info.Commits > 0 {
		c.mu.Unlock()
		return
	}
	if !sv.lastBlock.IsZero() {
		sv.info.BlockTime = now.Sub(sv.lastBlock)
		sv.totalBlock += sv.info.BlockTime
		if sv.info.Commits > 0 {
			sv.info.AvgBlockTime = sv.totalBlock / time.Duration(sv.info.Commits)
		}
	}
	sv.lastBlock = now
	sv.info.Height = uint64(b.Height)
	sv.info.Hash = b.BlockHash
	sv.info.Proposer = string(b.Proposer)
	sv.info.Commits++
	sv.info.Transactions += len(b.Transactions)
	sv.info.Phase = types.PhaseIdle.String()
	sv.info.Epoch = c.dir.Epoch(b.Height)
	sv.dirty = true
	c.forgetRoundsLocked(b.ShardID, b.Height)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveCommit(b, latency)
	}
	hash := b.BlockHash
	if len(hash) > 16 {
		hash = hash[:16]
	}
	c.log.Info("block committed", "shard", b.ShardID, "height", b.Height, "hash", hash,
		"proposer", b.Proposer, "txs", len(b.Transactions), "latency", latency)

	if err := c.journal.SaveBlock(blockRecord(b.Header(), b.QC, latency)); err != nil {
		c.log.Error("save block", "shard", b.ShardID, "height", b.Height, "err", err)
	}
	if err := c.journal.FinishRound(b.QC.ProposalID, true); err != nil {
		c.log.Error("finish round", "proposal", b.QC.ProposalID, "err", err)
	}

	// Flush votes of every earlier height as a batch, including heights
	// whose own decide never arrived
	if b.Height > 1 {
		for _, k := range c.pendingKeys(b.ShardID, b.Height-1) {
			c.flushVotesForHeight(k.shard, k.height)
		}
	}
	c.refreshScores(b.ShardID)
}

func blockRecord(h types.BlockHeader, qc types.QuorumCertificate, latency time.Duration) *models.Block {
	return &models.Block{
		Shard:        int(h.ShardID),
		Height:       uint64(h.Height),
		Hash:         h.BlockHash,
		PreviousHash: h.PreviousHash,
		Time:         h.Timestamp,
		Proposer:     string(h.Proposer),
		TxCount:      h.TxCount,
		QCVotes:      qc.TotalVotes,
		ProposalID:   qc.ProposalID,
		Latency:      latency,
	}
}

// pendingKeys lists the buffered heights of shard up to and including upTo,
// lowest first.
func (c *Collector) pendingKeys(shard types.ShardID, upTo types.Height) []roundKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []roundKey
	for k := range c.pendingVotes {
		if k.shard == shard && k.height <= upTo {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].height < keys[j].height })
	return keys
}

// forgetRoundsLocked drops round bookkeeping far below the committed tip.
func (c *Collector) forgetRoundsLocked(shard types.ShardID, tip types.Height) {
	for id, r := range c.rounds {
		if r.shard == shard && r.height+roundRetention < tip {
			delete(c.rounds, id)
		}
	}
}

func (c *Collector) refreshScores(shard types.ShardID) {
	ledger := c.dir.Ledger(shard)
	if ledger == nil {
		return
	}
	stats := ledger.Statistics()
	if c.metrics != nil {
		c.metrics.ObserveReputation(shard, stats)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sv := c.viewLocked(shard)
	sv.info.AvgScore = stats.AverageScore
	for i := range sv.members {
		sv.members[i].Score = ledger.Score(types.NodeID(sv.members[i].ID))
	}
	sv.dirty = true
}

func (c *Collector) handleElection(e directory.Election) {
	members := c.dir.Members(e.Shard)
	ledger := c.dir.Ledger(e.Shard)

	c.mu.Lock()
	sv := c.viewLocked(e.Shard)
	sv.members = sv.members[:0]
	sv.index = make(map[types.NodeID]int, len(members))
	for _, m := range members {
		info := tui.MemberInfo{ID: string(m.ID), Role: e.Role(m.ID).String(), IsRSU: m.IsRSU}
		if ledger != nil {
			info.Score = ledger.Score(m.ID)
		}
		sv.index[m.ID] = len(sv.members)
		sv.members = append(sv.members, info)
	}
	sv.info.Leader = string(e.Leader)
	sv.info.Epoch = e.Epoch
	sv.info.RSUShortfall = e.Snapshot.Group.RSUShortfall
	sv.dirty = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveElection(e.Snapshot.Group)
	}
	group := e.Snapshot.Group
	err := c.journal.SaveElection(&models.Election{
		Shard:     int(e.Shard),
		Version:   e.Version,
		Epoch:     e.Epoch,
		Leader:    string(e.Leader),
		Primaries: joinIDs(group.PrimaryNodes),
		Redundant: joinIDs(group.RedundantNodes),
		RSUCount:  group.RSUCount,
		Shortfall: group.RSUShortfall,
	})
	if err != nil {
		c.log.Error("save election", "shard", e.Shard, "version", e.Version, "err", err)
	}
}

func joinIDs(ids []types.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func (c *Collector) handleFailure(p types.ConsensusProposal) {
	c.mu.Lock()
	sv := c.viewLocked(p.ShardID)
	sv.info.Failures++
	if sv.proposal == p.ProposalID {
		sv.info.Phase = types.PhaseIdle.String()
	}
	sv.dirty = true
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveFailure(p.ShardID)
	}
	if err := c.journal.FinishRound(p.ProposalID, false); err != nil {
		c.log.Error("finish round", "proposal", p.ProposalID, "err", err)
	}
	c.log.Info("round failed", "shard", p.ShardID, "height", p.BlockHeight, "leader", p.LeaderID)
	c.refreshScores(p.ShardID)
}

// flushVotesForHeight writes accumulated votes of one shard height in a batch.
func (c *Collector) flushVotesForHeight(shard types.ShardID, height types.Height) {
	key := roundKey{shard: shard, height: height}
	c.mu.Lock()
	votes, exists := c.pendingVotes[key]
	if !exists || len(votes) == 0 {
		c.mu.Unlock()
		return
	}
	delete(c.pendingVotes, key)
	leaders := make(map[string]string)
	for id, r := range c.rounds {
		if r.shard == shard && r.height == height {
			leaders[id] = string(r.leader)
		}
	}
	c.flushed += len(votes)
	c.mu.Unlock()

	if len(leaders) == 0 {
		leaders = c.journal.RoundLeaders(int(shard), uint64(height))
	}
	for _, v := range votes {
		if leader, ok := leaders[v.ProposalID]; ok {
			v.Leader = leader
		}
	}

	if err := c.journal.FlushVotes(votes); err != nil {
		c.log.Error("flush votes", "shard", shard, "height", height, "err", err)
		return
	}
	c.log.Debug("flushed votes", "shard", shard, "height", height, "count", len(votes))
}

func (c *Collector) flushAll() {
	c.mu.Lock()
	keys := make([]roundKey, 0, len(c.pendingVotes))
	for k := range c.pendingVotes {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.flushVotesForHeight(k.shard, k.height)
	}
	c.pushDirty()
}

func (c *Collector) viewLocked(shard types.ShardID) *shardView {
	sv, ok := c.shards[shard]
	if !ok {
		sv = &shardView{
			info:  tui.ShardInfo{Shard: int(shard), Phase: types.PhaseIdle.String()},
			index: make(map[types.NodeID]int),
		}
		c.shards[shard] = sv
	}
	return sv
}

// pushDirty sends the state of every changed shard to the UI.
func (c *Collector) pushDirty() {
	if c.ui == nil {
		return
	}
	c.mu.Lock()
	var out []any
	for id, sv := range c.shards {
		if !sv.dirty {
			continue
		}
		sv.dirty = false
		members := make([]tui.MemberInfo, len(sv.members))
		copy(members, sv.members)
		out = append(out, sv.info, tui.MembersUpdateMsg{Shard: int(id), Members: members})
	}
	c.mu.Unlock()

	for _, u := range out {
		select {
		case c.ui <- u:
		default:
		}
	}
}

// Shard returns the collector's view of a shard.
func (c *Collector) Shard(shard types.ShardID) (tui.ShardInfo, []tui.MemberInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sv, ok := c.shards[shard]
	if !ok {
		return tui.ShardInfo{}, nil
	}
	members := make([]tui.MemberInfo, len(sv.members))
	copy(members, sv.members)
	return sv.info, members
}

// PendingVotes is the number of votes not yet flushed.
func (c *Collector) PendingVotes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.pendingVotes {
		n += len(v)
	}
	return n
}

// FlushedVotes is the number of votes handed to the journal so far.
func (c *Collector) FlushedVotes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

// updateLastBlockTime updates the last block time (thread-safe)
func (c *Collector) updateLastBlockTime() {
	c.lastBlockTimeMu.Lock()
	c.lastBlockTime = time.Now()
	c.lastBlockTimeMu.Unlock()
}

func (c *Collector) stalled() bool {
	c.lastBlockTimeMu.RLock()
	defer c.lastBlockTimeMu.RUnlock()
	return time.Since(c.lastBlockTime) > c.stallAfter
}
