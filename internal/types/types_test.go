package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockHeader(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := Block{
		Height:       7,
		BlockHash:    "HASH7",
		PreviousHash: "HASH6",
		ShardID:      1,
		Transactions: []Transaction{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		QC:           QuorumCertificate{ProposalID: "p", TotalVotes: 3},
		Proposer:     "s1-veh-02",
		Timestamp:    ts,
	}

	assert.Equal(t, BlockHeader{
		Height:       7,
		BlockHash:    "HASH7",
		PreviousHash: "HASH6",
		ShardID:      1,
		Proposer:     "s1-veh-02",
		TxCount:      3,
		Timestamp:    ts,
	}, b.Header())
	assert.Zero(t, Block{}.Header().TxCount)
}
