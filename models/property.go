package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Property is the minimal read-model the backfill job needs to qualify deals.
// The full property CRUD lives in the excluded back-office modules.
type Property struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index" json:"company_id"`

	Status   PropertyStatus  `gorm:"size:20;not null;index" json:"status"`
	Price    decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"price"`
	SellerId *int            `json:"seller_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
