package directory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tribft/internal/keys"
	"tribft/internal/reputation"
	"tribft/internal/selection"
	"tribft/internal/types"
)

type observer struct {
	elections []Election
	failures  []types.ConsensusProposal
}

func (o *observer) Elected(e Election)                    { o.elections = append(o.elections, e) }
func (o *observer) RoundFailed(p types.ConsensusProposal) { o.failures = append(o.failures, p) }

func newShard(t *testing.T, vehicles, rsus int) (*Directory, *observer) {
	t.Helper()
	d := New(Config{
		Selection:   selection.Config{GroupSize: 4, RedundantCount: 2},
		Reputation:  reputation.DefaultConfig(),
		EpochBlocks: 3,
	}, nil)
	obs := &observer{}
	d.AddObserver(obs)
	for i := 0; i < vehicles; i++ {
		id := types.NodeID(fmt.Sprintf("veh-%02d", i))
		d.Join(0, types.NodeIdentity{ID: id}, keys.FromSecret(id, []byte(id)).PubKey())
	}
	for i := 0; i < rsus; i++ {
		d.Join(0, types.NodeIdentity{ID: types.NodeID(fmt.Sprintf("rsu-%02d", i)), IsRSU: true}, nil)
	}
	return d, obs
}

func TestElectPublishesLeaderAmongPrimaries(t *testing.T) {
	d, obs := newShard(t, 6, 2)

	_, ok := d.Current(0)
	assert.False(t, ok)

	e, err := d.Elect(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, 0, e.Epoch)
	assert.True(t, e.Snapshot.Group.IsPrimary(e.Leader))
	assert.Equal(t, types.RoleConsensusPrimary, e.Role(e.Leader))
	assert.Equal(t, e.Leader, d.Leader(0))
	require.Len(t, obs.elections, 1)

	cur, ok := d.Current(0)
	require.True(t, ok)
	assert.Equal(t, e.Version, cur.Version)
	assert.Len(t, d.Members(0), 8)
	assert.Equal(t, []types.ShardID{0}, d.Shards())
}

func TestElectUnknownShard(t *testing.T) {
	d := New(Config{}, nil)
	_, err := d.Elect(7)
	assert.ErrorIs(t, err, ErrUnknownShard)
	assert.Nil(t, d.Ledger(7))
	assert.Empty(t, d.Leader(7))
}

func commit(e Election, h types.Height) types.Block {
	var votes []types.Vote
	for _, id := range e.Snapshot.Group.PrimaryNodes {
		votes = append(votes, types.Vote{VoterID: id, Phase: types.PhaseCommit, Approve: true})
	}
	return types.Block{
		Height:   h,
		ShardID:  e.Shard,
		Proposer: e.Leader,
		QC:       types.QuorumCertificate{Phase: types.PhaseCommit, Votes: votes, TotalVotes: len(votes)},
	}
}

func TestRecordCommitReelectsAtEpochBoundary(t *testing.T) {
	d, obs := newShard(t, 6, 2)
	e, err := d.Elect(0)
	require.NoError(t, err)
	leader := e.Leader
	before := d.Ledger(0).Score(leader)

	_, reelected := d.RecordCommit(commit(e, 1))
	assert.False(t, reelected)
	assert.Greater(t, d.Ledger(0).Score(leader), before)

	// the same height reported by another node is ignored
	after := d.Ledger(0).Score(leader)
	d.RecordCommit(commit(e, 1))
	assert.Equal(t, after, d.Ledger(0).Score(leader))

	_, reelected = d.RecordCommit(commit(e, 2))
	assert.False(t, reelected)
	next, reelected := d.RecordCommit(commit(e, 3))
	require.True(t, reelected)
	assert.Equal(t, 1, next.Epoch)
	assert.Equal(t, uint64(2), next.Version)
	assert.Equal(t, types.Height(3), d.Height(0))
	assert.Len(t, obs.elections, 2)
}

func TestRecordFailurePenalizesOnceAndReplacesLeader(t *testing.T) {
	d, obs := newShard(t, 6, 2)
	e, err := d.Elect(0)
	require.NoError(t, err)

	p := types.ConsensusProposal{ProposalID: "p1", ShardID: 0, LeaderID: e.Leader, BlockHeight: 1}
	d.RecordFailure(p)
	score := d.Ledger(0).Score(e.Leader)
	d.RecordFailure(p)
	assert.Equal(t, score, d.Ledger(0).Score(e.Leader))
	assert.Less(t, score, reputation.NeutralScore)

	require.Len(t, obs.failures, 1)
	cur, _ := d.Current(0)
	assert.NotEqual(t, e.Leader, cur.Leader)
	assert.True(t, cur.Snapshot.Group.IsPrimary(cur.Leader))
	assert.Equal(t, e.Epoch, cur.Epoch)
	assert.Greater(t, cur.Version, e.Version)
}

func TestLeaveReplacesLeader(t *testing.T) {
	d, _ := newShard(t, 6, 2)
	e, err := d.Elect(0)
	require.NoError(t, err)

	d.Leave(0, e.Leader)
	cur, _ := d.Current(0)
	assert.NotEqual(t, e.Leader, cur.Leader)
	assert.NotEmpty(t, cur.Leader)
	assert.Len(t, d.Members(0), 7)
	assert.False(t, d.Ledger(0).IsRegistered(e.Leader))

	v := types.Vote{ProposalID: "p", VoterID: e.Leader}
	assert.Error(t, d.Keys().VerifyVote(v))
}

func TestDecayTouchesAllLedgers(t *testing.T) {
	d, _ := newShard(t, 2, 1)
	require.NoError(t, d.Ledger(0).RecordEvent("veh-00", reputation.EventProposeValidBlock))
	before := d.Ledger(0).Score("veh-00")
	d.Decay()
	assert.Less(t, d.Ledger(0).Score("veh-00"), before)
}
