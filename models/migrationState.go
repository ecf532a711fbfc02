package models

import "time"

// MigrationState is a singleton-per-name record doubling as a distributed
// lease lock for batch jobs. A runner may acquire it only when the row is
// absent, in a terminal status, or holds an expired lease.
type MigrationState struct {
	ID   int    `gorm:"primary_key" json:"id"`
	Name string `gorm:"size:100;not null;uniqueIndex:uniq_migration_name" json:"name"`

	Status         MigrationStatus `gorm:"size:20;not null;index" json:"status"`
	LockToken      string          `gorm:"size:64" json:"lock_token"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at"`

	LastProcessedId int     `gorm:"not null;default:0" json:"last_processed_id"`
	ProcessedCount  int     `gorm:"not null;default:0" json:"processed_count"`
	LastError       *string `gorm:"type:text" json:"last_error"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
