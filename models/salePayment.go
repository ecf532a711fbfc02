package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalePayment is the read-model of the payment gateway's confirmed payments,
// synced by the excluded integration layer. The trust core only reads these
// rows (settlement derivation, reconciliation, backfill); it never writes
// them outside of test fixtures.
type SalePayment struct {
	ID         int    `gorm:"primary_key" json:"id"`
	CompanyId  string `gorm:"size:64;not null;index;index:idx_sale_payment_property,priority:1" json:"company_id"`
	PropertyId int    `gorm:"not null;index:idx_sale_payment_property,priority:2" json:"property_id"`
	PayerId    *int   `gorm:"index" json:"payer_id"`

	Kind        SalePaymentKind   `gorm:"size:20;not null;index" json:"kind"`
	Status      SalePaymentStatus `gorm:"size:20;not null;index" json:"status"`
	Provisional bool              `gorm:"not null;default:false" json:"provisional"`

	Amount                decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"amount"`
	CommissionAmount      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"commission_amount"`
	VatOnCommissionAmount decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"vat_on_commission_amount"`

	Reference    string     `gorm:"size:255" json:"reference"`
	ReversalOfId *int       `gorm:"index" json:"reversal_of_id"`
	PaidAt       *time.Time `gorm:"index" json:"paid_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
