// Package models defines the database models of the consensus journal.
package models

import "time"

// Round is one proposal and its outcome.
type Round struct {
	ID         uint   `gorm:"primaryKey"`
	Shard      int    `gorm:"index:ix_shard_height"`
	Height     uint64 `gorm:"index:ix_shard_height"`
	View       uint64
	ProposalID string `gorm:"size:256;uniqueIndex"`
	Leader     string `gorm:"size:128;index"`
	TxCount    int
	Succeeded  bool      `gorm:"index"`
	Failed     bool      `gorm:"index"`
	ProposedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
