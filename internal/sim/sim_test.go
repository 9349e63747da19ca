package sim

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tribft/internal/config"
	"tribft/internal/metrics"
	"tribft/internal/types"
)

func testConfig() config.Config {
	return config.Config{
		Shards:           2,
		VehiclesPerShard: 4,
		RSUsPerShard:     2,
		GroupSize:        4,
		RedundantCount:   1,
		EpochBlocks:      2,
		BatchSize:        2,
		BlockInterval:    5 * time.Millisecond,
		RoundTimeout:     time.Second,
		TargetBlocks:     3,
		EarlyAbort:       true,
		SignVotes:        true,
	}
}

func TestRunReachesTarget(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := New(testConfig(), WithMetrics(m))
	require.NoError(t, err)
	assert.Len(t, s.Nodes(), 12)
	assert.Equal(t, []types.ShardID{0, 1}, s.Directory().Shards())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err(), "target not reached before deadline")

	for shard, h := range s.Heights() {
		assert.GreaterOrEqual(t, h, types.Height(3), "shard %d", shard)
		info, members := s.Collector().Shard(shard)
		assert.Positive(t, info.Commits, "shard %d", shard)
		assert.Len(t, members, 6)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Shards = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestIdentities(t *testing.T) {
	ids := identities(3, 2, 1)
	require.Len(t, ids, 3)
	assert.Equal(t, types.NodeID("s3-veh-00"), ids[0].ID)
	assert.False(t, ids[1].IsRSU)
	assert.Equal(t, types.NodeID("s3-rsu-00"), ids[2].ID)
	assert.True(t, ids[2].IsRSU)
}
