package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tribft/internal/directory"
	"tribft/internal/keys"
	"tribft/internal/reputation"
	"tribft/internal/selection"
	"tribft/internal/transport"
	"tribft/internal/types"
)

type cluster struct {
	dir   *directory.Directory
	bus   *transport.Bus
	nodes []*Node
}

func newCluster(t *testing.T, vehicles, rsus int, sign bool, epochBlocks int) *cluster {
	t.Helper()
	c := &cluster{
		dir: directory.New(directory.Config{
			Selection:   selection.Config{GroupSize: 4, RedundantCount: 1, PermanentRSU: true},
			Reputation:  reputation.DefaultConfig(),
			EpochBlocks: epochBlocks,
		}, nil),
		bus: transport.NewBus(256, nil),
	}
	var idents []types.NodeIdentity
	for i := 0; i < vehicles; i++ {
		idents = append(idents, types.NodeIdentity{ID: types.NodeID(fmt.Sprintf("veh-%02d", i))})
	}
	for i := 0; i < rsus; i++ {
		idents = append(idents, types.NodeIdentity{ID: types.NodeID(fmt.Sprintf("rsu-%02d", i)), IsRSU: true})
	}
	cfg := Config{
		RoundTimeout:  time.Second,
		BlockInterval: 5 * time.Millisecond,
		BatchSize:     3,
		EarlyAbort:    true,
		Reputation:    reputation.DefaultConfig(),
	}
	for _, id := range idents {
		var opts []Option
		if sign {
			s := keys.FromSecret(id.ID, []byte("seed-"+id.ID))
			c.dir.Join(0, id, s.PubKey())
			opts = append(opts, WithSigner(s))
		} else {
			c.dir.Join(0, id, nil)
		}
		n, err := New(id, 0, cfg, c.dir, c.bus, opts...)
		require.NoError(t, err)
		c.nodes = append(c.nodes, n)
	}
	_, err := c.dir.Elect(0)
	require.NoError(t, err)
	return c
}

func (c *cluster) run(t *testing.T, until types.Height) {
	t.Helper()
	c.runUntil(t, func() bool { return c.dir.Height(0) >= until })
}

func (c *cluster) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.nodes {
		n := n
		g.Go(func() error { return n.Run(gctx) })
	}
	require.Eventually(t, cond, 10*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())
}

// assertConsistentChains checks that no two nodes hold different blocks at
// the same height. Nodes that synced across a gap hold a sparse chain.
func assertConsistentChains(t *testing.T, nodes []*Node) {
	t.Helper()
	seen := map[types.Height]string{}
	for _, n := range nodes {
		for _, b := range n.Status().Chain {
			if hash, ok := seen[b.Height]; ok {
				require.Equal(t, hash, b.BlockHash, "node %s height %d", n.ID(), b.Height)
				continue
			}
			seen[b.Height] = b.BlockHash
		}
	}
	assert.NotEmpty(t, seen)
}

func TestClusterCommitsAcrossEpochs(t *testing.T) {
	c := newCluster(t, 5, 2, false, 3)
	c.run(t, 4)

	e, ok := c.dir.Current(0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, e.Epoch, 1)
	assertConsistentChains(t, c.nodes)

	committed := 0
	for _, n := range c.nodes {
		st := n.Status()
		committed += st.Metrics.SuccessfulCommits
		if k := len(st.Chain); k > 0 && st.Chain[k-1].Height == st.Height {
			assert.Equal(t, st.Chain[k-1].BlockHash, st.LastHash)
		}
	}
	assert.Positive(t, committed)
	assert.Greater(t, c.dir.Ledger(0).AverageScore(), reputation.NeutralScore)
}

func TestClusterWithSignedVotes(t *testing.T) {
	c := newCluster(t, 4, 2, true, 3)
	c.run(t, 2)
	assertConsistentChains(t, c.nodes)
}

func TestOrdinaryNodeFollowsDecides(t *testing.T) {
	c := newCluster(t, 8, 2, false, 100)
	e, _ := c.dir.Current(0)

	var ordinary *Node
	for _, n := range c.nodes {
		if e.Role(n.ID()) == types.RoleOrdinary {
			ordinary = n
			break
		}
	}
	require.NotNil(t, ordinary)

	c.runUntil(t, func() bool { return ordinary.Status().Height >= 2 })
	// ordinary nodes never vote but still learn decided blocks
	st := ordinary.Status()
	assert.Zero(t, st.Metrics.SuccessfulCommits)
	assert.Zero(t, st.Metrics.TotalProposals)
	assert.Equal(t, types.RoleOrdinary, st.Role)
	assertConsistentChains(t, c.nodes)
}

func TestCloseStopsRun(t *testing.T) {
	c := newCluster(t, 3, 1, false, 3)
	done := make(chan error, 1)
	go func() { done <- c.nodes[0].Run(context.Background()) }()
	c.nodes[0].Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSequentialSource(t *testing.T) {
	dir := directory.New(directory.Config{}, nil)
	src := NewSequentialSource(dir)
	assert.Empty(t, src.Next(0, 3))

	dir.Join(0, types.NodeIdentity{ID: "a"}, nil)
	dir.Join(0, types.NodeIdentity{ID: "b"}, nil)
	txs := src.Next(0, 3)
	require.Len(t, txs, 3)
	seen := map[string]bool{}
	for _, tx := range txs {
		assert.True(t, tx.Valid())
		assert.NotEqual(t, tx.Sender, tx.Receiver)
		assert.False(t, seen[tx.ID])
		seen[tx.ID] = true
	}
}
