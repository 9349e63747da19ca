package models

import "time"

// Block is a committed block of one shard chain.
type Block struct {
	ID           uint      `gorm:"primaryKey"`
	Shard        int       `gorm:"index:ux_shard_height,unique;not null"`
	Height       uint64    `gorm:"index:ux_shard_height,unique;not null"`
	Hash         string    `gorm:"size:128;index"`
	PreviousHash string    `gorm:"size:128"`
	Time         time.Time `gorm:"index"`
	Proposer     string    `gorm:"size:128;index"`
	TxCount      int
	QCVotes      int
	ProposalID   string        `gorm:"size:256;index"`
	Latency      time.Duration // proposal to commit, as seen by the observer
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
