package db

import (
	"fmt"

	"gorm.io/gorm"

	"tribft/internal/models"
)

// Journal writes consensus history. A journal over a nil handle is disabled
// and every method is a no-op, so callers never branch on persistence.
type Journal struct {
	db *gorm.DB
}

func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Enabled() bool { return j != nil && j.db != nil }

// RecordRound inserts a round unless its proposal is already known.
func (j *Journal) RecordRound(r *models.Round) error {
	if !j.Enabled() {
		return nil
	}
	return j.db.Where(models.Round{ProposalID: r.ProposalID}).FirstOrCreate(r).Error
}

// FinishRound marks a round as committed or failed.
func (j *Journal) FinishRound(proposalID string, succeeded bool) error {
	if !j.Enabled() {
		return nil
	}
	return j.db.Model(&models.Round{}).
		Where("proposal_id = ?", proposalID).
		Updates(map[string]any{"succeeded": succeeded, "failed": !succeeded}).Error
}

// SaveBlock upserts a block by (shard, height).
func (j *Journal) SaveBlock(b *models.Block) error {
	if !j.Enabled() {
		return nil
	}
	return j.db.Where(models.Block{Shard: b.Shard, Height: b.Height}).Assign(*b).FirstOrCreate(b).Error
}

// RoundLeaders maps proposal ids of a shard height to their leaders.
func (j *Journal) RoundLeaders(shard int, height uint64) map[string]string {
	out := make(map[string]string)
	if !j.Enabled() {
		return out
	}
	var rounds []models.Round
	if err := j.db.Where("shard = ? AND height = ?", shard, height).Find(&rounds).Error; err == nil {
		for _, r := range rounds {
			if r.Leader != "" {
				out[r.ProposalID] = r.Leader
			}
		}
	}
	return out
}

// FlushVotes writes votes in batches of VoteBatchSize.
func (j *Journal) FlushVotes(votes []*models.RoundVote) error {
	if !j.Enabled() || len(votes) == 0 {
		return nil
	}
	if err := j.db.CreateInBatches(votes, VoteBatchSize).Error; err != nil {
		return fmt.Errorf("flush %d votes: %w", len(votes), err)
	}
	return nil
}

// SaveElection records a published election once per (shard, version).
func (j *Journal) SaveElection(e *models.Election) error {
	if !j.Enabled() {
		return nil
	}
	return j.db.Where(models.Election{Shard: e.Shard, Version: e.Version}).FirstOrCreate(e).Error
}
