package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 15, cfg.GroupSize)
	assert.Equal(t, 5, cfg.RedundantCount)
	assert.Equal(t, 10, cfg.EpochBlocks)
	assert.Equal(t, 5*time.Second, cfg.RoundTimeout)
	assert.True(t, cfg.EarlyAbort)
	assert.Equal(t, 1.0, cfg.MaliciousMultiplier)
	assert.Equal(t, 100, cfg.MaxRecentEvents)
	assert.Empty(t, cfg.DBDialect)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GROUP_SIZE", "7")
	t.Setenv("ROUND_TIMEOUT", "250ms")
	t.Setenv("EJECT_BELOW", "0.2")
	t.Setenv("PERMANENT_RSU", "yes")
	t.Setenv("EARLY_ABORT", "false")
	t.Setenv("DATABASE_URL", "postgresql://sim:secret@db:5432/tribft")

	cfg := Load()
	assert.Equal(t, 7, cfg.GroupSize)
	assert.Equal(t, 250*time.Millisecond, cfg.RoundTimeout)
	assert.Equal(t, 0.2, cfg.EjectBelow)
	assert.True(t, cfg.PermanentRSU)
	assert.False(t, cfg.EarlyAbort)
	assert.Equal(t, DatabaseSchemePostgres, cfg.DBDialect)
	assert.NotContains(t, cfg.DebugString(), "secret")
	assert.Contains(t, cfg.DebugString(), "sim@db:5432")
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SHARDS", "many")
	t.Setenv("BLOCK_INTERVAL", "soon")
	t.Setenv("DATABASE_URL", "mysql://db/x")

	cfg := Load()
	assert.Equal(t, 2, cfg.Shards)
	assert.Equal(t, 500*time.Millisecond, cfg.BlockInterval)
	assert.Empty(t, cfg.DBDsn)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.Shards = 0
	cfg.EjectBelow = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARDS")
	assert.Contains(t, err.Error(), "EJECT_BELOW")
}

func TestMaskKeyValueDSN(t *testing.T) {
	got := maskDSN(DatabaseSchemePostgres, "host=db user=sim password=hunter2 dbname=x")
	assert.Equal(t, "host=db user=sim password=*** dbname=x", got)
}
