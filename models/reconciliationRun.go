package models

import "time"

// ReconciliationRun is the persisted result of one reconciliation sweep for
// one company: counters plus a capped detail list for operator review.
type ReconciliationRun struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index" json:"company_id"`

	PaymentsChecked   int `gorm:"not null;default:0" json:"payments_checked"`
	AccountsChecked   int `gorm:"not null;default:0" json:"accounts_checked"`
	MissingPostings   int `gorm:"not null;default:0" json:"missing_postings"`
	BalanceMismatches int `gorm:"not null;default:0" json:"balance_mismatches"`
	AutoRepairs       int `gorm:"not null;default:0" json:"auto_repairs"`
	Flagged           int `gorm:"not null;default:0" json:"flagged"`

	// DetailsJSON holds at most the first 500 findings of the run.
	DetailsJSON []byte `gorm:"type:blob" json:"details_json"`

	RanAt     time.Time `gorm:"index" json:"ran_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
