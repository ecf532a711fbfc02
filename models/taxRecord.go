package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaxRecord is one tax type applied against a settlement, plus whether it has
// been remitted to the authority. One row per (settlement, tax type);
// recalculation updates the amount while the settlement is unlocked.
type TaxRecord struct {
	ID             int    `gorm:"primary_key" json:"id"`
	CompanyId      string `gorm:"size:64;not null;index" json:"company_id"`
	TrustAccountId int    `gorm:"not null;index" json:"trust_account_id"`
	SettlementId   int    `gorm:"not null;index:uniq_tax_record,unique,priority:1" json:"settlement_id"`

	TaxType          TrustTransactionType `gorm:"size:30;not null;index:uniq_tax_record,unique,priority:2" json:"tax_type"`
	Amount           decimal.Decimal      `gorm:"type:decimal(20,2);default:0" json:"amount"`
	Remitted         bool                 `gorm:"not null;default:false" json:"remitted"`
	PaymentReference *string              `gorm:"size:255" json:"payment_reference"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
