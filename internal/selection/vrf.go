package selection

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cometbft/cometbft/crypto/tmhash"

	"tribft/internal/types"
)

// VRFScore is the publicly recomputable pseudo-random score of id under seed,
// normalised into [0,1). Anyone holding the same inputs derives the same value.
func VRFScore(id types.NodeID, seed uint64) float64 {
	buf := make([]byte, len(id)+8)
	copy(buf, id)
	binary.BigEndian.PutUint64(buf[len(id):], seed)
	sum := tmhash.Sum(buf)
	// 53 bits fit a float64 mantissa exactly.
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// Seed derives the election seed of a shard epoch.
func Seed(shard types.ShardID, epoch int) uint64 {
	sum := tmhash.Sum([]byte(fmt.Sprintf("tribft/shard/%d/epoch/%d", shard, epoch)))
	return binary.BigEndian.Uint64(sum[:8])
}

type ranked struct {
	id    types.NodeID
	score float64
}

// rank orders ids by descending VRF score, ties by ascending id.
func rank(ids []types.NodeID, seed uint64) []types.NodeID {
	all := make([]ranked, 0, len(ids))
	for _, id := range ids {
		all = append(all, ranked{id, VRFScore(id, seed)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].id < all[j].id
		}
		return all[i].score > all[j].score
	})
	out := make([]types.NodeID, len(all))
	for i, r := range all {
		out[i] = r.id
	}
	return out
}

func topN(ids []types.NodeID, n int) []types.NodeID {
	if n <= 0 {
		return nil
	}
	if n > len(ids) {
		n = len(ids)
	}
	return append([]types.NodeID(nil), ids[:n]...)
}
