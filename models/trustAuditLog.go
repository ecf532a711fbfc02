package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// TrustAuditLog records every state change in the trust subsystem. Write-only:
// the model hooks reject any update or delete after creation.
type TrustAuditLog struct {
	ID         int    `gorm:"primary_key" json:"id"`
	CompanyId  string `gorm:"size:64;not null;index" json:"company_id"`
	EntityType string `gorm:"size:50;not null;index:idx_trust_audit_entity,priority:1" json:"entity_type"`
	EntityId   int    `gorm:"not null;index:idx_trust_audit_entity,priority:2" json:"entity_id"`
	Action     string `gorm:"size:50;not null;index" json:"action"`

	BeforeObj []byte `gorm:"type:blob" json:"before_obj"`
	AfterObj  []byte `gorm:"type:blob" json:"after_obj"`

	SourceEvent   string `gorm:"size:255" json:"source_event"`
	Actor         string `gorm:"size:100" json:"actor"`
	CorrelationId string `gorm:"size:64;index" json:"correlation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (a *TrustAuditLog) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable audit log: trust_audit_logs cannot be updated")
}

func (a *TrustAuditLog) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable audit log: trust_audit_logs cannot be deleted")
}
