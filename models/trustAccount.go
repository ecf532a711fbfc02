package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrustAccount is the mutable summary record for one property deal. At most
// one non-CLOSED account may exist per (company_id, property_id); that
// constraint is enforced inside the posting engine's per-account critical
// section because a partial unique index is not portable across MySQL and the
// sqlite test driver.
//
// Invariant: RunningBalance always equals the running_balance of the most
// recent TrustTransaction for the account, or OpeningBalance if none exist.
type TrustAccount struct {
	ID         int     `gorm:"primary_key" json:"id"`
	CompanyId  string  `gorm:"size:64;not null;index;index:idx_trust_account_deal,priority:1" json:"company_id"`
	PropertyId int     `gorm:"not null;index;index:idx_trust_account_deal,priority:2" json:"property_id"`
	BuyerId    *int    `gorm:"index" json:"buyer_id"`
	SellerId   *int    `gorm:"index" json:"seller_id"`
	DealId     *string `gorm:"size:64;index" json:"deal_id"`

	OpeningBalance    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"opening_balance"`
	RunningBalance    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"running_balance"`
	ClosingBalance    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"closing_balance"`
	PurchasePrice     decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"purchase_price"`
	AmountReceived    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"amount_received"`
	AmountOutstanding decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"amount_outstanding"`

	Status        TrustAccountStatus `gorm:"size:20;not null;index" json:"status"`
	WorkflowState WorkflowState      `gorm:"size:30;not null;index" json:"workflow_state"`

	LastTransactionAt *time.Time `gorm:"index" json:"last_transaction_at"`
	LockReason        *string    `gorm:"type:text" json:"lock_reason"`
	ClosedAt          *time.Time `json:"closed_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
