package models

import "gorm.io/gorm"

// MigrateTables creates or updates every table the trust subsystem owns.
func MigrateTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&Property{}, &SalePayment{},
		&TrustAccount{}, &TrustTransaction{}, &TrustSettlement{}, &TaxRecord{},
		&TrustAuditLog{},
		&ProcessedEvent{}, &EventFailureLog{},
		&ReconciliationRun{},
		&MigrationState{},
	)
}
