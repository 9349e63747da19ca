package selection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tribft/internal/types"
)

func ids(prefix string, n int) []types.NodeID {
	out := make([]types.NodeID, n)
	for i := range out {
		out[i] = types.NodeID(fmt.Sprintf("%s-%02d", prefix, i))
	}
	return out
}

type scores map[types.NodeID]float64

func (s scores) Score(id types.NodeID) float64 {
	if v, ok := s[id]; ok {
		return v
	}
	return 0.5
}

func TestVRFScoreRangeAndDeterminism(t *testing.T) {
	for _, id := range ids("veh", 50) {
		v := VRFScore(id, 42)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
		assert.Equal(t, v, VRFScore(id, 42))
	}
	assert.NotEqual(t, VRFScore("veh-01", 1), VRFScore("veh-01", 2))
}

func TestElectGroupDeterministic(t *testing.T) {
	vehicles := ids("veh", 20)
	rsus := ids("rsu", 6)
	candidates := append(append([]types.NodeID(nil), vehicles...), rsus...)

	a := ElectGroup(candidates, rsus, 15, 5, 7)
	b := ElectGroup(candidates, rsus, 15, 5, 7)
	assert.Equal(t, a, b)
}

func TestElectGroupScenario(t *testing.T) {
	vehicles := ids("veh", 10)
	rsus := ids("rsu", 3)

	g := ElectGroup(vehicles, rsus, 6, 2, 42)

	assert.Len(t, g.PrimaryNodes, 6)
	assert.Len(t, g.RedundantNodes, 2)
	assert.GreaterOrEqual(t, g.RSUCount, 2)
	assert.Equal(t, 6-g.RSUCount, g.VehicleCount)
	assert.True(t, g.SatisfiesRSUConstraint())
	assert.False(t, g.RSUShortfall)
}

func TestElectGroupDisjointAndUnique(t *testing.T) {
	vehicles := ids("veh", 30)
	rsus := ids("rsu", 8)
	// duplicates and RSUs repeated in the candidate list must not leak through
	candidates := append(append(append([]types.NodeID(nil), vehicles...), rsus...), vehicles[:5]...)

	g := ElectGroup(candidates, rsus, 15, 5, 99)

	seen := map[types.NodeID]bool{}
	for _, id := range append(append([]types.NodeID(nil), g.PrimaryNodes...), g.RedundantNodes...) {
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Len(t, g.PrimaryNodes, 15)
	assert.Len(t, g.RedundantNodes, 5)
}

func TestElectGroupRSUQuota(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		vehicles := ids("veh", 40)
		rsus := ids("rsu", RSUQuota(15))
		g := ElectGroup(vehicles, rsus, 15, 5, seed)
		require.True(t, g.SatisfiesRSUConstraint(), "seed %d", seed)
		require.GreaterOrEqual(t, g.RSUCount, 5)
	}
}

func TestElectGroupRSUShortfall(t *testing.T) {
	g := ElectGroup(ids("veh", 20), ids("rsu", 1), 9, 2, 3)

	assert.Len(t, g.PrimaryNodes, 9)
	assert.Equal(t, 1, g.RSUCount)
	assert.True(t, g.RSUShortfall)
}

func TestElectGroupSmallPool(t *testing.T) {
	g := ElectGroup(ids("veh", 3), ids("rsu", 1), 15, 5, 3)

	assert.Len(t, g.PrimaryNodes, 4)
	assert.Empty(t, g.RedundantNodes)
	assert.Equal(t, 1, g.RSUCount)
	assert.True(t, g.RSUShortfall)
}

func TestRankTieBreakByID(t *testing.T) {
	// identical ids cannot exist, so check the comparator through rank output
	ranked := rank([]types.NodeID{"b", "a", "c"}, 5)
	require.Len(t, ranked, 3)
	for i := 1; i < len(ranked); i++ {
		prev, cur := VRFScore(ranked[i-1], 5), VRFScore(ranked[i], 5)
		assert.True(t, prev > cur || (prev == cur && ranked[i-1] < ranked[i]))
	}
}

func TestQuota(t *testing.T) {
	assert.Equal(t, 0, RSUQuota(0))
	assert.Equal(t, 1, RSUQuota(1))
	assert.Equal(t, 2, RSUQuota(6))
	assert.Equal(t, 3, RSUQuota(7))
	assert.Equal(t, 5, RSUQuota(15))
}

func TestElectLeader(t *testing.T) {
	sc := scores{"a": 0.6, "b": 0.9, "c": 0.9}
	assert.Equal(t, types.NodeID("b"), ElectLeader([]types.NodeID{"c", "a", "b"}, sc))
	assert.Equal(t, types.NodeID(""), ElectLeader(nil, sc))
	assert.Equal(t, types.NodeID("x"), ElectLeader([]types.NodeID{"y", "x"}, scores{}))
}

func TestSelectorRolesAndEpochs(t *testing.T) {
	s := New(1, Config{GroupSize: 4, RedundantCount: 2, PermanentRSU: true}, nil)
	var members []types.NodeIdentity
	for _, id := range ids("veh", 8) {
		members = append(members, types.NodeIdentity{ID: id})
	}
	for _, id := range ids("rsu", 4) {
		members = append(members, types.NodeIdentity{ID: id, IsRSU: true})
	}

	assert.True(t, s.NeedsReelection(0))
	snap := s.Elect(members, 0, nil)
	assert.False(t, s.NeedsReelection(0))
	assert.True(t, s.NeedsReelection(1))
	assert.Equal(t, 0, snap.Group.Epoch)
	assert.Equal(t, types.ShardID(1), snap.Group.ShardID)
	assert.Equal(t, 4, snap.QuorumBase())

	for _, id := range snap.Group.PrimaryNodes {
		assert.Equal(t, types.RoleConsensusPrimary, s.Role(id))
		assert.True(t, s.IsPrimary(id))
	}
	for _, id := range snap.Group.RedundantNodes {
		assert.Equal(t, types.RoleConsensusRedundant, s.Role(id))
		assert.True(t, s.IsRedundant(id))
	}
	for _, m := range members {
		role := snap.Role(m.ID)
		switch {
		case snap.Group.IsPrimary(m.ID), snap.Group.IsRedundant(m.ID):
		case m.IsRSU:
			assert.Equal(t, types.RoleRSUPermanent, role)
			assert.True(t, snap.CanVote(m.ID))
		default:
			assert.Equal(t, types.RoleOrdinary, role)
			assert.False(t, snap.CanVote(m.ID))
		}
	}
	assert.Equal(t, types.RoleOrdinary, snap.Role("stranger"))
}

func TestSelectorEjectsLowTrust(t *testing.T) {
	s := New(0, Config{GroupSize: 3, RedundantCount: 3, EjectBelow: 0.2}, nil)
	members := []types.NodeIdentity{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "bad"}, {ID: "r", IsRSU: true},
	}
	snap := s.Elect(members, 2, scores{"bad": 0.1})

	assert.Equal(t, types.RoleOrdinary, snap.Role("bad"))
	assert.Equal(t, 4, snap.Group.TotalSize())
	assert.Equal(t, 2, s.LastEpoch())
	assert.Equal(t, []types.NodeID{"a", "b", "c", "r"}, snap.Participants())
	assert.Equal(t, 4, snap.Voters())
}
