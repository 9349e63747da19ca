// Package selection elects a shard's consensus group with a simplified VRF
// and picks its leader by reputation.
package selection

import (
	"sort"

	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/types"
)

const (
	DefaultGroupSize      = 15
	DefaultRedundantCount = 5
)

// Scorer yields a node's final reputation score.
type Scorer interface {
	Score(id types.NodeID) float64
}

// Config tunes elections.
type Config struct {
	GroupSize      int
	RedundantCount int
	// PermanentRSU gives unelected RSUs the RSU_PERMANENT role.
	PermanentRSU bool
	// EjectBelow excludes candidates scoring under it. Zero keeps everyone and
	// leaves low trust to leader weighting only.
	EjectBelow float64
}

// DefaultConfig returns the reference election parameters.
func DefaultConfig() Config {
	return Config{GroupSize: DefaultGroupSize, RedundantCount: DefaultRedundantCount}
}

// RSUQuota is the number of primary seats reserved for RSUs: ceil(groupSize/3).
func RSUQuota(groupSize int) int {
	if groupSize <= 0 {
		return 0
	}
	return (groupSize + 2) / 3
}

// ElectGroup deterministically elects primaries and redundant members from
// candidates. rsuNodes flags the RSU subset; RSUs missing from candidates are
// still considered. Identical inputs always yield an identical group.
func ElectGroup(candidates, rsuNodes []types.NodeID, groupSize, redundantCount int, seed uint64) types.ConsensusGroup {
	isRSU := make(map[types.NodeID]bool, len(rsuNodes))
	var rsuPool []types.NodeID
	for _, id := range rsuNodes {
		if !isRSU[id] {
			isRSU[id] = true
			rsuPool = append(rsuPool, id)
		}
	}

	rsuPrimaries := topN(rank(rsuPool, seed), RSUQuota(groupSize))
	chosen := make(map[types.NodeID]bool, groupSize+redundantCount)
	for _, id := range rsuPrimaries {
		chosen[id] = true
	}

	seen := make(map[types.NodeID]bool, len(candidates)+len(rsuPool))
	var rest []types.NodeID
	for _, id := range append(append([]types.NodeID(nil), candidates...), rsuPool...) {
		if seen[id] || chosen[id] {
			continue
		}
		seen[id] = true
		rest = append(rest, id)
	}
	rest = rank(rest, seed)

	fill := topN(rest, groupSize-len(rsuPrimaries))
	primaries := append(rsuPrimaries, fill...)
	redundant := topN(rest[len(fill):], redundantCount)

	group := types.ConsensusGroup{
		PrimaryNodes:   primaries,
		RedundantNodes: redundant,
	}
	for _, id := range primaries {
		if isRSU[id] {
			group.RSUCount++
		}
	}
	group.VehicleCount = len(primaries) - group.RSUCount
	group.RSUShortfall = !group.SatisfiesRSUConstraint()
	return group
}

// ElectLeader returns the member with the highest score, ties by id. It
// returns "" for an empty member list.
func ElectLeader(members []types.NodeID, scorer Scorer) types.NodeID {
	var (
		leader types.NodeID
		best   float64
	)
	for _, id := range members {
		score := scorer.Score(id)
		if leader == "" || score > best || (score == best && id < leader) {
			leader, best = id, score
		}
	}
	return leader
}

// Snapshot is an immutable view of one election: the group plus the derived
// roles. Readers share it freely; a re-election produces a new one.
type Snapshot struct {
	Group types.ConsensusGroup
	roles map[types.NodeID]types.NodeRole
}

// NewSnapshot derives roles from group. RSUs outside the group become
// RSU_PERMANENT when permanentRSU is set.
func NewSnapshot(group types.ConsensusGroup, rsuNodes []types.NodeID, permanentRSU bool) Snapshot {
	roles := make(map[types.NodeID]types.NodeRole, group.TotalSize())
	if permanentRSU {
		for _, id := range rsuNodes {
			roles[id] = types.RoleRSUPermanent
		}
	}
	for _, id := range group.RedundantNodes {
		roles[id] = types.RoleConsensusRedundant
	}
	for _, id := range group.PrimaryNodes {
		roles[id] = types.RoleConsensusPrimary
	}
	return Snapshot{Group: group, roles: roles}
}

// Role returns id's role; unknown nodes are ORDINARY.
func (s Snapshot) Role(id types.NodeID) types.NodeRole {
	if r, ok := s.roles[id]; ok {
		return r
	}
	return types.RoleOrdinary
}

// QuorumBase is the number of primaries, which sizes the quorum.
func (s Snapshot) QuorumBase() int {
	return len(s.Group.PrimaryNodes)
}

// CanVote reports whether id participates in the engine.
func (s Snapshot) CanVote(id types.NodeID) bool {
	return s.Role(id).Participates()
}

// Voters is the number of participating nodes.
func (s Snapshot) Voters() int {
	n := 0
	for _, r := range s.roles {
		if r.Participates() {
			n++
		}
	}
	return n
}

// Participants returns every participating node, sorted.
func (s Snapshot) Participants() []types.NodeID {
	out := make([]types.NodeID, 0, len(s.roles))
	for id, r := range s.roles {
		if r.Participates() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Selector tracks the current election of one shard.
type Selector struct {
	shard     types.ShardID
	cfg       Config
	log       log.Logger
	lastEpoch int
	current   Snapshot
}

// New creates a selector that has not elected yet.
func New(shard types.ShardID, cfg Config, logger log.Logger) *Selector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Selector{
		shard:     shard,
		cfg:       cfg,
		log:       logger.With("module", "selection", "shard", shard),
		lastEpoch: -1,
	}
}

// Elect runs the election for epoch over members and installs the result.
// With an EjectBelow threshold, members scoring under it are left out.
func (s *Selector) Elect(members []types.NodeIdentity, epoch int, scorer Scorer) Snapshot {
	var candidates, rsuNodes []types.NodeID
	ejected := 0
	for _, m := range members {
		if s.cfg.EjectBelow > 0 && scorer != nil && scorer.Score(m.ID) < s.cfg.EjectBelow {
			ejected++
			continue
		}
		candidates = append(candidates, m.ID)
		if m.IsRSU {
			rsuNodes = append(rsuNodes, m.ID)
		}
	}

	group := ElectGroup(candidates, rsuNodes, s.cfg.GroupSize, s.cfg.RedundantCount, Seed(s.shard, epoch))
	group.ShardID = s.shard
	group.Epoch = epoch
	if group.RSUShortfall {
		s.log.Info("rsu quota not met", "epoch", epoch, "rsus", group.RSUCount, "primaries", len(group.PrimaryNodes))
	}
	s.log.Info("elected consensus group",
		"epoch", epoch,
		"primaries", len(group.PrimaryNodes),
		"redundant", len(group.RedundantNodes),
		"rsus", group.RSUCount,
		"ejected", ejected,
	)

	s.SetCurrentGroup(group, rsuNodes)
	s.UpdateEpoch(epoch)
	return s.current
}

// SetCurrentGroup installs group and rebuilds roles.
func (s *Selector) SetCurrentGroup(group types.ConsensusGroup, rsuNodes []types.NodeID) {
	s.current = NewSnapshot(group, rsuNodes, s.cfg.PermanentRSU)
}

// Current returns the installed snapshot.
func (s *Selector) Current() Snapshot {
	return s.current
}

// NeedsReelection reports whether epoch is newer than the last election.
func (s *Selector) NeedsReelection(epoch int) bool {
	return epoch > s.lastEpoch
}

// UpdateEpoch records epoch as elected.
func (s *Selector) UpdateEpoch(epoch int) {
	s.lastEpoch = epoch
}

// LastEpoch returns the last elected epoch, -1 before the first election.
func (s *Selector) LastEpoch() int {
	return s.lastEpoch
}

func (s *Selector) IsPrimary(id types.NodeID) bool   { return s.current.Group.IsPrimary(id) }
func (s *Selector) IsRedundant(id types.NodeID) bool { return s.current.Group.IsRedundant(id) }
func (s *Selector) Role(id types.NodeID) types.NodeRole {
	return s.current.Role(id)
}
