package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementDeduction is one line of the settlement breakdown, ordered as
// computed by the tax engine.
type SettlementDeduction struct {
	Type   TrustTransactionType `json:"type"`
	Amount decimal.Decimal      `json:"amount"`
}

// TrustSettlement holds the computed sale breakdown for one account. At most
// one row per account; recalculation upserts it while Locked is false. Locked
// becomes true permanently when the account closes.
type TrustSettlement struct {
	ID             int    `gorm:"primary_key" json:"id"`
	CompanyId      string `gorm:"size:64;not null;index" json:"company_id"`
	TrustAccountId int    `gorm:"not null;uniqueIndex:uniq_trust_settlement_account" json:"trust_account_id"`

	SalePrice      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"sale_price"`
	GrossProceeds  decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"gross_proceeds"`
	NetPayout      decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"net_payout"`
	DeductionsJSON []byte          `gorm:"type:blob" json:"deductions_json"`

	SettlementDate time.Time `json:"settlement_date"`
	Locked         bool      `gorm:"not null;default:false" json:"locked"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *TrustSettlement) Deductions() []SettlementDeduction {
	if len(s.DeductionsJSON) == 0 {
		return nil
	}
	var out []SettlementDeduction
	if err := json.Unmarshal(s.DeductionsJSON, &out); err != nil {
		return nil
	}
	return out
}

func (s *TrustSettlement) SetDeductions(deductions []SettlementDeduction) error {
	b, err := json.Marshal(deductions)
	if err != nil {
		return err
	}
	s.DeductionsJSON = b
	return nil
}
