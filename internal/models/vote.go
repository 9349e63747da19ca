package models

import "time"

// RoundVote stores one ballot of a consensus round.
// Every vote seen is recorded, including rejections.
type RoundVote struct {
	ID         uint   `gorm:"primaryKey"`
	Shard      int    `gorm:"index"`
	Height     uint64 `gorm:"index"`
	ProposalID string `gorm:"size:256;index"`
	Voter      string `gorm:"size:128;index"`
	Leader     string `gorm:"size:128;index"`
	Phase      string `gorm:"size:16;index"` // PREPARE, PRE_COMMIT or COMMIT
	Approve    bool
	Timestamp  time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
