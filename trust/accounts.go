package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

type CreateTrustAccountInput struct {
	CompanyId      string `validate:"required"`
	PropertyId     int    `validate:"required,gt=0"`
	BuyerId        *int
	SellerId       *int
	DealId         string
	PurchasePrice  decimal.Decimal
	OpeningBalance decimal.Decimal
	WorkflowState  models.WorkflowState
}

// CreateTrustAccount opens a new trust account for a deal. At most one
// non-CLOSED account may exist per (company, property).
func (e *Engine) CreateTrustAccount(ctx context.Context, in CreateTrustAccountInput) (*models.TrustAccount, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, err
	}
	if in.PurchasePrice.IsNegative() || in.OpeningBalance.IsNegative() {
		return nil, errors.New("purchase price and opening balance cannot be negative")
	}

	state := in.WorkflowState
	if state == "" {
		state = models.WorkflowStateValued
	}
	if _, known := workflowEdges[state]; !known {
		return nil, fmt.Errorf("unknown workflow state %q", state)
	}

	acct := models.TrustAccount{
		CompanyId:         in.CompanyId,
		PropertyId:        in.PropertyId,
		BuyerId:           in.BuyerId,
		SellerId:          in.SellerId,
		OpeningBalance:    in.OpeningBalance.Round(2),
		RunningBalance:    in.OpeningBalance.Round(2),
		ClosingBalance:    in.OpeningBalance.Round(2),
		PurchasePrice:     in.PurchasePrice.Round(2),
		AmountOutstanding: in.PurchasePrice.Round(2),
		Status:            models.TrustAccountStatusOpen,
		WorkflowState:     state,
	}
	if in.DealId != "" {
		acct.DealId = &in.DealId
	}

	err := e.withTx(func(tx *gorm.DB) error {
		var count int64
		if err := tx.WithContext(ctx).Model(&models.TrustAccount{}).
			Where("company_id = ? AND property_id = ? AND status <> ?", in.CompanyId, in.PropertyId, models.TrustAccountStatusClosed).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateAccount
		}
		return tx.WithContext(ctx).Create(&acct).Error
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, acct.CompanyId, auditEntityAccount, acct.ID, auditActionCreated, nil, &acct, "")
	return &acct, nil
}

func (e *Engine) GetAccount(ctx context.Context, accountId int) (*models.TrustAccount, error) {
	var acct models.TrustAccount
	if err := e.db.WithContext(ctx).First(&acct, accountId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// openAccountForProperty finds the single non-CLOSED account for a property.
func (e *Engine) openAccountForProperty(ctx context.Context, db *gorm.DB, companyId string, propertyId int) (*models.TrustAccount, error) {
	var acct models.TrustAccount
	err := db.WithContext(ctx).
		Where("company_id = ? AND property_id = ? AND status <> ?", companyId, propertyId, models.TrustAccountStatusClosed).
		Order("id ASC").
		First(&acct).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

type RecordBuyerPaymentInput struct {
	AccountId       int `validate:"required,gt=0"`
	Amount          decimal.Decimal
	SourcePaymentId *int
	Reference       string
}

// RecordBuyerPayment credits buyer funds into the trust account.
func (e *Engine) RecordBuyerPayment(ctx context.Context, in RecordBuyerPaymentInput) (*PostResult, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: buyer payment amount must be positive", ErrInvalidPosting)
	}
	return e.Post(ctx, PostInput{
		AccountId:       in.AccountId,
		Type:            models.TransactionTypeBuyerPayment,
		Credit:          in.Amount,
		SourcePaymentId: in.SourcePaymentId,
		Reference:       in.Reference,
	})
}

// GetLedger returns the account's ledger newest-first with the total count.
func (e *Engine) GetLedger(ctx context.Context, accountId, limit, offset int) ([]models.TrustTransaction, int64, error) {
	if limit <= 0 {
		limit = config.SearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := e.db.WithContext(ctx).Model(&models.TrustTransaction{}).
		Where("trust_account_id = ?", accountId).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.TrustTransaction
	if err := e.db.WithContext(ctx).
		Where("trust_account_id = ?", accountId).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

type TaxSummary struct {
	Records       []models.TaxRecord `json:"records"`
	TotalAssessed decimal.Decimal    `json:"total_assessed"`
	TotalRemitted decimal.Decimal    `json:"total_remitted"`
}

func (e *Engine) GetTaxSummary(ctx context.Context, accountId int) (*TaxSummary, error) {
	var records []models.TaxRecord
	if err := e.db.WithContext(ctx).
		Where("trust_account_id = ?", accountId).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	summary := TaxSummary{Records: records, TotalAssessed: decimal.Zero, TotalRemitted: decimal.Zero}
	for _, rec := range records {
		summary.TotalAssessed = summary.TotalAssessed.Add(rec.Amount).Round(2)
		if rec.Remitted {
			summary.TotalRemitted = summary.TotalRemitted.Add(rec.Amount).Round(2)
		}
	}
	return &summary, nil
}

func (e *Engine) GetAuditLogs(ctx context.Context, entityType string, entityId, limit, offset int) ([]models.TrustAuditLog, error) {
	if limit <= 0 {
		limit = config.SearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	var logs []models.TrustAuditLog
	query := e.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Offset(offset)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if entityId > 0 {
		query = query.Where("entity_id = ?", entityId)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
