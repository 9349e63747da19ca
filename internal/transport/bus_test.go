package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tribft/internal/types"
)

func TestPublishSkipsSenderAndOtherShards(t *testing.T) {
	b := NewBus(4, nil)
	a, err := b.Register(0, "a")
	require.NoError(t, err)
	c, err := b.Register(0, "c")
	require.NoError(t, err)
	other, err := b.Register(1, "x")
	require.NoError(t, err)
	obs := b.Observe(4)

	b.Publish(VoteMsg("a", 0, types.Vote{ProposalID: "p", VoterID: "a", Phase: types.PhasePrepare, Approve: true}))

	require.Len(t, c, 1)
	m := <-c
	assert.Equal(t, KindVote, m.Kind)
	assert.Equal(t, "p", m.Vote.ProposalID)
	assert.Empty(t, a)
	assert.Empty(t, other)
	assert.Len(t, obs, 1)
	assert.Equal(t, uint64(2), b.Sent())
}

func TestFullInboxDrops(t *testing.T) {
	b := NewBus(1, nil)
	_, err := b.Register(0, "a")
	require.NoError(t, err)

	blk := types.Block{Height: 1, ShardID: 0}
	b.Publish(DecideMsg("z", blk))
	b.Publish(DecideMsg("z", blk))

	assert.Equal(t, uint64(1), b.Sent())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestRegisterIsIdempotent(t *testing.T) {
	b := NewBus(2, nil)
	first, err := b.Register(3, "a")
	require.NoError(t, err)
	second, err := b.Register(3, "a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCloseClosesChannels(t *testing.T) {
	b := NewBus(2, nil)
	in, err := b.Register(0, "a")
	require.NoError(t, err)
	obs := b.Observe(1)

	b.Close()
	_, ok := <-in
	assert.False(t, ok)
	_, ok = <-obs
	assert.False(t, ok)

	_, err = b.Register(0, "b")
	assert.ErrorIs(t, err, ErrClosed)
	b.Publish(ProposalMsg("a", types.ConsensusProposal{}))
}

func TestUnregister(t *testing.T) {
	b := NewBus(2, nil)
	in, err := b.Register(0, "a")
	require.NoError(t, err)
	b.Unregister(0, "a")
	_, ok := <-in
	assert.False(t, ok)
	b.Publish(ProposalMsg("b", types.ConsensusProposal{ShardID: 0}))
	assert.Zero(t, b.Sent())
}
