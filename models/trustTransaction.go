package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TrustTransaction is one immutable ledger entry against a trust account.
// Exactly one of debit/credit is positive per entry (posting-engine rule, not
// a schema constraint). RunningBalance is the account balance snapshot taken
// after this entry; entries for one account ordered by creation time form a
// monotonic ledger where each running_balance = previous + credit - debit.
type TrustTransaction struct {
	ID             int    `gorm:"primary_key" json:"id"`
	CompanyId      string `gorm:"size:64;not null;index;index:idx_trust_txn_account,priority:1" json:"company_id"`
	TrustAccountId int    `gorm:"not null;index:idx_trust_txn_account,priority:2" json:"trust_account_id"`
	PropertyId     int    `gorm:"not null;index" json:"property_id"`

	// SourcePaymentId is the idempotency key: unique when present, so the
	// same external payment lands at most one ledger entry. NULLs are exempt
	// from the unique index on both MySQL and sqlite.
	SourcePaymentId *int `gorm:"uniqueIndex:uniq_trust_txn_source_payment" json:"source_payment_id"`

	Type           TrustTransactionType `gorm:"size:30;not null;index" json:"type"`
	Debit          decimal.Decimal      `gorm:"type:decimal(20,2);default:0" json:"debit"`
	Credit         decimal.Decimal      `gorm:"type:decimal(20,2);default:0" json:"credit"`
	RunningBalance decimal.Decimal      `gorm:"type:decimal(20,2);default:0" json:"running_balance"`

	// SettlementId tags deduction entries to the settlement they apply, so
	// re-running deduction application can compute the unapplied delta.
	SettlementId *int `gorm:"index" json:"settlement_id"`

	Reference   string `gorm:"size:255" json:"reference"`
	SourceEvent string `gorm:"size:255;index" json:"source_event"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Ledger immutability guardrails: trust_transactions are append-only.

func (t *TrustTransaction) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: trust_transactions cannot be updated")
}

func (t *TrustTransaction) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: trust_transactions cannot be deleted")
}
