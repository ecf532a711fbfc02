package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

type SettlementInput struct {
	AccountId int `validate:"required,gt=0"`

	// Overrides are consulted only when no payment-derived figure exists;
	// the gateway's completed payments are the source of truth.
	SalePriceOverride  decimal.Decimal
	CommissionOverride decimal.Decimal

	CgtRate             decimal.Decimal
	VatSaleRate         decimal.Decimal
	VatOnCommissionRate decimal.Decimal
	ApplyVatOnSale      bool

	SettlementDate time.Time
}

// derivedFigures sums the completed, non-provisional sale payments for a
// property into the settlement inputs.
type derivedFigures struct {
	SalePrice       decimal.Decimal
	Commission      decimal.Decimal
	VatOnCommission decimal.Decimal
}

func (e *Engine) derivePaymentFigures(ctx context.Context, db *gorm.DB, companyId string, propertyId int) (derivedFigures, error) {
	var payments []models.SalePayment
	err := db.WithContext(ctx).
		Where("company_id = ? AND property_id = ? AND kind = ? AND status = ? AND provisional = ?",
			companyId, propertyId, models.SalePaymentKindSale, models.SalePaymentStatusCompleted, false).
		Order("id ASC").
		Find(&payments).Error
	if err != nil {
		return derivedFigures{}, err
	}

	out := derivedFigures{SalePrice: decimal.Zero, Commission: decimal.Zero, VatOnCommission: decimal.Zero}
	for _, p := range payments {
		out.SalePrice = out.SalePrice.Add(p.Amount).Round(2)
		out.Commission = out.Commission.Add(p.CommissionAmount).Round(2)
		out.VatOnCommission = out.VatOnCommission.Add(p.VatOnCommissionAmount).Round(2)
	}
	return out, nil
}

// CalculateSettlement derives the sale figures from payments, runs the tax
// engine, and upserts the account's single settlement record. Recalculation
// is allowed any number of times until the settlement locks at closure.
func (e *Engine) CalculateSettlement(ctx context.Context, in SettlementInput) (*models.TrustSettlement, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, err
	}

	var settlement models.TrustSettlement
	err := e.withAccountTx(in.AccountId, func(db *gorm.DB) error {
		var acct models.TrustAccount
		if err := db.WithContext(ctx).First(&acct, in.AccountId).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrAccountNotFound
			}
			return err
		}
		if acct.Status == models.TrustAccountStatusClosed {
			return ErrAccountClosed
		}

		derived, err := e.derivePaymentFigures(ctx, db, acct.CompanyId, acct.PropertyId)
		if err != nil {
			return err
		}

		salePrice := derived.SalePrice
		if !salePrice.IsPositive() {
			salePrice = in.SalePriceOverride.Round(2)
		}
		commission := derived.Commission
		if !commission.IsPositive() {
			commission = in.CommissionOverride.Round(2)
		}

		breakdown := ComputeTax(TaxInput{
			SalePrice:              salePrice,
			Commission:             commission,
			CgtRate:                in.CgtRate,
			VatSaleRate:            in.VatSaleRate,
			VatOnCommissionRate:    in.VatOnCommissionRate,
			ApplyVatOnSale:         in.ApplyVatOnSale,
			DerivedVatOnCommission: derived.VatOnCommission,
		})

		settlementDate := in.SettlementDate
		if settlementDate.IsZero() {
			settlementDate = time.Now().UTC()
		}

		ferr := db.WithContext(ctx).Where("trust_account_id = ?", acct.ID).First(&settlement).Error
		if ferr != nil && ferr != gorm.ErrRecordNotFound {
			return ferr
		}
		if ferr == nil && settlement.Locked {
			return ErrSettlementLocked
		}

		settlement.CompanyId = acct.CompanyId
		settlement.TrustAccountId = acct.ID
		settlement.SalePrice = breakdown.SalePrice
		settlement.GrossProceeds = breakdown.SalePrice
		settlement.NetPayout = breakdown.NetPayout
		settlement.SettlementDate = settlementDate
		if err := settlement.SetDeductions(breakdown.Deductions); err != nil {
			return err
		}

		if ferr == gorm.ErrRecordNotFound {
			if err := db.WithContext(ctx).Create(&settlement).Error; err != nil {
				return err
			}
		} else if err := db.WithContext(ctx).Save(&settlement).Error; err != nil {
			return err
		}

		return e.upsertTaxRecords(ctx, db, &acct, &settlement, breakdown)
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, settlement.CompanyId, auditEntitySettlement, settlement.ID, auditActionSettled, nil, &settlement, "")
	return &settlement, nil
}

// upsertTaxRecords keeps one TaxRecord per tax type applied per settlement.
func (e *Engine) upsertTaxRecords(ctx context.Context, db *gorm.DB, acct *models.TrustAccount, s *models.TrustSettlement, breakdown TaxBreakdown) error {
	taxAmounts := map[models.TrustTransactionType]decimal.Decimal{
		models.TransactionTypeCgtDeduction:    breakdown.Cgt,
		models.TransactionTypeVatDeduction:    breakdown.VatOnSale,
		models.TransactionTypeVatOnCommission: breakdown.VatOnCommission,
	}

	for taxType, amount := range taxAmounts {
		if !amount.IsPositive() {
			continue
		}

		var rec models.TaxRecord
		err := db.WithContext(ctx).
			Where("settlement_id = ? AND tax_type = ?", s.ID, taxType).
			First(&rec).Error
		if err == gorm.ErrRecordNotFound {
			rec = models.TaxRecord{
				CompanyId:      acct.CompanyId,
				TrustAccountId: acct.ID,
				SettlementId:   s.ID,
				TaxType:        taxType,
				Amount:         amount,
			}
			if cerr := db.WithContext(ctx).Create(&rec).Error; cerr != nil {
				return cerr
			}
			continue
		}
		if err != nil {
			return err
		}
		if rec.Remitted {
			// Remitted tax is settled with the authority; leave it alone.
			continue
		}
		if err := db.WithContext(ctx).Model(&models.TaxRecord{}).
			Where("id = ?", rec.ID).
			Update("amount", amount).Error; err != nil {
			return err
		}
	}
	return nil
}

// ApplyTaxDeductions posts the unapplied delta of every settlement deduction
// line as a debit against the trust account. Re-running it is a no-op once
// the full amounts are applied, because each delta is computed against the
// ledger entries already tagged to the settlement.
func (e *Engine) ApplyTaxDeductions(ctx context.Context, accountId int) ([]*models.TrustTransaction, error) {
	acct, err := e.GetAccount(ctx, accountId)
	if err != nil {
		return nil, err
	}
	if acct.Status == models.TrustAccountStatusClosed {
		return nil, ErrAccountClosed
	}

	settlement, err := e.getSettlement(ctx, accountId)
	if err != nil {
		return nil, err
	}
	if settlement.Locked {
		return nil, ErrSettlementLocked
	}

	var posted []*models.TrustTransaction
	for _, line := range settlement.Deductions() {
		applied, err := e.appliedDeduction(ctx, settlement.ID, line.Type)
		if err != nil {
			return nil, err
		}

		delta := line.Amount.Sub(applied).Round(2)
		if !delta.IsPositive() {
			continue
		}

		res, err := e.Post(ctx, PostInput{
			AccountId:    accountId,
			Type:         line.Type,
			Debit:        delta,
			SettlementId: &settlement.ID,
			Reference:    fmt.Sprintf("settlement %d deduction", settlement.ID),
		})
		if err != nil {
			return posted, err
		}
		posted = append(posted, res.Transaction)
	}

	if acct.WorkflowState != models.WorkflowStateTaxPending && canTransition(acct.WorkflowState, models.WorkflowStateTaxPending) {
		if _, terr := e.TransitionWorkflow(ctx, accountId, models.WorkflowStateTaxPending); terr != nil {
			config.LogError(e.logger, "trust", "ApplyTaxDeductions", "advancing workflow to TAX_PENDING", accountId, terr)
		}
	}
	return posted, nil
}

func (e *Engine) getSettlement(ctx context.Context, accountId int) (*models.TrustSettlement, error) {
	var settlement models.TrustSettlement
	if err := e.db.WithContext(ctx).Where("trust_account_id = ?", accountId).First(&settlement).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &settlement, nil
}

// appliedDeduction sums the debits already posted for a deduction line.
func (e *Engine) appliedDeduction(ctx context.Context, settlementId int, deductionType models.TrustTransactionType) (decimal.Decimal, error) {
	var entries []models.TrustTransaction
	if err := e.db.WithContext(ctx).
		Where("settlement_id = ? AND type = ?", settlementId, deductionType).
		Find(&entries).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Debit).Round(2)
	}
	return total, nil
}

type TransferInput struct {
	AccountId int `validate:"required,gt=0"`
	Amount    decimal.Decimal
	Reference string
}

// TransferToSeller releases settled funds to the seller. Cumulative transfers
// can never exceed the settlement's net payout.
func (e *Engine) TransferToSeller(ctx context.Context, in TransferInput) (*PostResult, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidPosting)
	}

	settlement, err := e.getSettlement(ctx, in.AccountId)
	if err != nil {
		return nil, err
	}
	if settlement.Locked {
		return nil, ErrSettlementLocked
	}

	transferred, err := e.transferredToSeller(ctx, in.AccountId)
	if err != nil {
		return nil, err
	}
	if transferred.Add(in.Amount).Round(2).GreaterThan(settlement.NetPayout) {
		return nil, fmt.Errorf("%w: requested %s, net payout %s, already transferred %s",
			ErrTransferExceedsNet, in.Amount, settlement.NetPayout, transferred)
	}

	res, err := e.Post(ctx, PostInput{
		AccountId:    in.AccountId,
		Type:         models.TransactionTypeTransferToSeller,
		Debit:        in.Amount,
		SettlementId: &settlement.ID,
		Reference:    in.Reference,
	})
	if err != nil {
		return nil, err
	}

	if err := e.markSettled(ctx, res.Account); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) transferredToSeller(ctx context.Context, accountId int) (decimal.Decimal, error) {
	var entries []models.TrustTransaction
	if err := e.db.WithContext(ctx).
		Where("trust_account_id = ? AND type = ?", accountId, models.TransactionTypeTransferToSeller).
		Find(&entries).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Debit).Round(2)
	}
	return total, nil
}

// markSettled moves the account to SETTLED status and walks the workflow to
// TRANSFER_COMPLETE along legal edges.
func (e *Engine) markSettled(ctx context.Context, acct *models.TrustAccount) error {
	if acct.WorkflowState != models.WorkflowStateSettled &&
		acct.WorkflowState != models.WorkflowStateTransferComplete &&
		canTransition(acct.WorkflowState, models.WorkflowStateSettled) {
		updated, err := e.TransitionWorkflow(ctx, acct.ID, models.WorkflowStateSettled)
		if err != nil {
			return err
		}
		*acct = *updated
	}
	if acct.WorkflowState == models.WorkflowStateSettled {
		updated, err := e.TransitionWorkflow(ctx, acct.ID, models.WorkflowStateTransferComplete)
		if err != nil {
			return err
		}
		*acct = *updated
	}

	if acct.Status != models.TrustAccountStatusSettled {
		before := map[string]any{"status": acct.Status}
		if err := e.db.WithContext(ctx).Model(&models.TrustAccount{}).
			Where("id = ?", acct.ID).
			Update("status", models.TrustAccountStatusSettled).Error; err != nil {
			return err
		}
		acct.Status = models.TrustAccountStatusSettled
		e.writeAudit(ctx, acct.CompanyId, auditEntityAccount, acct.ID, auditActionStatusChanged,
			before, map[string]any{"status": acct.Status}, "")
	}
	return nil
}

// CloseTrustAccount is the terminal operation of a deal: it requires a fully
// drained balance, locks the settlement permanently, and is irreversible.
func (e *Engine) CloseTrustAccount(ctx context.Context, accountId int) (*models.TrustAccount, error) {
	var (
		acct             models.TrustAccount
		before           models.TrustAccount
		lockedSettlement *models.TrustSettlement
	)
	err := e.withAccountTx(accountId, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).First(&acct, accountId).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrAccountNotFound
			}
			return err
		}
		before = acct

		if acct.Status == models.TrustAccountStatusClosed {
			return ErrAccountClosed
		}
		if !acct.RunningBalance.IsZero() {
			return fmt.Errorf("%w: balance is %s", ErrNonZeroBalance, acct.RunningBalance)
		}

		now := time.Now().UTC()
		if err := db.WithContext(ctx).Model(&models.TrustAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]any{
				"status":         models.TrustAccountStatusClosed,
				"workflow_state": models.WorkflowStateTrustClosed,
				"closed_at":      now,
			}).Error; err != nil {
			return err
		}
		acct.Status = models.TrustAccountStatusClosed
		acct.WorkflowState = models.WorkflowStateTrustClosed
		acct.ClosedAt = &now

		var settlement models.TrustSettlement
		serr := db.WithContext(ctx).Where("trust_account_id = ?", acct.ID).First(&settlement).Error
		if serr == nil && !settlement.Locked {
			if err := db.WithContext(ctx).Model(&models.TrustSettlement{}).
				Where("id = ?", settlement.ID).
				Update("locked", true).Error; err != nil {
				return err
			}
			settlement.Locked = true
			lockedSettlement = &settlement
		} else if serr != nil && serr != gorm.ErrRecordNotFound {
			return serr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, acct.CompanyId, auditEntityAccount, acct.ID, auditActionStatusChanged, &before, &acct, "")
	if lockedSettlement != nil {
		e.writeAudit(ctx, acct.CompanyId, auditEntitySettlement, lockedSettlement.ID, auditActionLocked, nil, lockedSettlement, "")
	}
	return &acct, nil
}
