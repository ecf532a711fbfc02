package models

import "time"

// EventFailureLog is the durable retry queue for failed event deliveries.
// Rows stay PENDING with an exponential-backoff next_retry_at until they
// resolve or exhaust their attempts and go DEAD for manual review. Dead rows
// are never silently dropped.
type EventFailureLog struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index" json:"company_id"`
	Scope     string `gorm:"size:50;not null;index" json:"scope"`
	EventId   string `gorm:"size:255;not null;index" json:"event_id"`

	Payload []byte `gorm:"type:blob" json:"payload"`

	Attempts    int                `gorm:"not null;default:0" json:"attempts"`
	Status      EventFailureStatus `gorm:"size:20;not null;index;index:idx_event_failure_due,priority:1" json:"status"`
	NextRetryAt *time.Time         `gorm:"index;index:idx_event_failure_due,priority:2" json:"next_retry_at"`
	LastError   *string            `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
