package models

import "time"

// Election records a published consensus group and leader of a shard.
type Election struct {
	ID        uint   `gorm:"primaryKey"`
	Shard     int    `gorm:"index:ux_shard_version,unique"`
	Version   uint64 `gorm:"index:ux_shard_version,unique"`
	Epoch     int    `gorm:"index"`
	Leader    string `gorm:"size:128"`
	Primaries string `gorm:"type:text"` // comma separated
	Redundant string `gorm:"type:text"`
	RSUCount  int
	Shortfall bool
	CreatedAt time.Time
}
