package models

import "time"

// ProcessedEvent provides durable, DB-backed deduplication for consumed
// payment events. Unique constraint: (company_id, scope, event_id).
type ProcessedEvent struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index:uniq_processed_event,unique,priority:1" json:"company_id"`
	Scope     string `gorm:"size:50;not null;index:uniq_processed_event,unique,priority:2" json:"scope"`
	EventId   string `gorm:"size:255;not null;index:uniq_processed_event,unique,priority:3" json:"event_id"`

	Status    ProcessedEventStatus `gorm:"size:20;not null;index" json:"status"`
	LastError *string              `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
