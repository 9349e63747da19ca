package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tribft/internal/config"
	"tribft/internal/models"
)

func TestOpenWithoutDatabase(t *testing.T) {
	gdb, err := Open(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, gdb)
	assert.NoError(t, AutoMigrate(gdb))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(config.Config{DBDialect: "mysql", DBDsn: "x"})
	assert.Error(t, err)
}

func TestDisabledJournalIsNoop(t *testing.T) {
	var nilJournal *Journal
	for _, j := range []*Journal{NewJournal(nil), nilJournal} {
		assert.False(t, j.Enabled())
		assert.NoError(t, j.RecordRound(&models.Round{ProposalID: "p"}))
		assert.NoError(t, j.FinishRound("p", true))
		assert.NoError(t, j.SaveBlock(&models.Block{Shard: 1, Height: 2}))
		assert.NoError(t, j.FlushVotes([]*models.RoundVote{{ProposalID: "p"}}))
		assert.NoError(t, j.SaveElection(&models.Election{Shard: 1, Version: 1}))
		assert.Empty(t, j.RoundLeaders(1, 2))
	}
}
