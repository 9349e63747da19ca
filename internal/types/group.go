package types

// NodeRole is the part a node plays in its shard for the current epoch.
type NodeRole int

const (
	RoleOrdinary NodeRole = iota
	RoleConsensusPrimary
	RoleConsensusRedundant
	RoleRSUPermanent
)

func (r NodeRole) String() string {
	switch r {
	case RoleConsensusPrimary:
		return "PRIMARY"
	case RoleConsensusRedundant:
		return "REDUNDANT"
	case RoleRSUPermanent:
		return "RSU"
	default:
		return "ORDINARY"
	}
}

// Participates reports whether the role takes part in the consensus engine.
func (r NodeRole) Participates() bool {
	return r == RoleConsensusPrimary || r == RoleConsensusRedundant || r == RoleRSUPermanent
}

// ConsensusGroup is the elected membership of a shard for one epoch. A group
// is never mutated after election; the next election supersedes it.
type ConsensusGroup struct {
	ShardID        ShardID
	Epoch          int
	PrimaryNodes   []NodeID
	RedundantNodes []NodeID
	RSUCount       int
	VehicleCount   int
	// RSUShortfall is set when the RSU pool was too small for the quota.
	RSUShortfall bool
}

// SatisfiesRSUConstraint reports rsuCount*3 >= |primaries|.
func (g ConsensusGroup) SatisfiesRSUConstraint() bool {
	return g.RSUCount*3 >= len(g.PrimaryNodes)
}

// TotalSize is the number of primary plus redundant members.
func (g ConsensusGroup) TotalSize() int {
	return len(g.PrimaryNodes) + len(g.RedundantNodes)
}

// IsPrimary reports whether id is a primary member.
func (g ConsensusGroup) IsPrimary(id NodeID) bool {
	return contains(g.PrimaryNodes, id)
}

// IsRedundant reports whether id is a redundant member.
func (g ConsensusGroup) IsRedundant(id NodeID) bool {
	return contains(g.RedundantNodes, id)
}

func contains(ids []NodeID, id NodeID) bool {
	for _, n := range ids {
		if n == id {
			return true
		}
	}
	return false
}
