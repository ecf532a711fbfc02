package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

// PostInput describes one posting request. Exactly one of Debit/Credit must
// be positive. SourcePaymentId, when present, is the idempotency key: at most
// one ledger entry will ever reference it.
type PostInput struct {
	AccountId       int
	Type            models.TrustTransactionType
	Debit           decimal.Decimal
	Credit          decimal.Decimal
	SourcePaymentId *int
	SettlementId    *int
	Reference       string
	SourceEvent     string
}

type PostResult struct {
	Account     *models.TrustAccount
	Transaction *models.TrustTransaction

	// Duplicate reports that an entry for SourcePaymentId already existed
	// and was returned as-is. Not an error: duplicated delivery of the same
	// payment event is expected under at-least-once semantics.
	Duplicate bool
}

var postingTypes = map[models.TrustTransactionType]bool{
	models.TransactionTypeBuyerPayment:        true,
	models.TransactionTypeTransferToSeller:    true,
	models.TransactionTypeCgtDeduction:        true,
	models.TransactionTypeCommissionDeduction: true,
	models.TransactionTypeVatDeduction:        true,
	models.TransactionTypeVatOnCommission:     true,
	models.TransactionTypeRefund:              true,
}

// Post is the only writer of ledger entries. It enforces idempotency by
// source payment, balance non-negativity, and keeps the account summary in
// step with the ledger. With transaction support the ledger entry and the
// summary update commit atomically; without it the writes are sequential
// best-effort and the reconciliation job closes any drift.
func (e *Engine) Post(ctx context.Context, in PostInput) (*PostResult, error) {
	if err := validatePostInput(&in); err != nil {
		return nil, err
	}

	var (
		res    PostResult
		before models.TrustAccount
	)
	err := e.withAccountTx(in.AccountId, func(db *gorm.DB) error {
		return e.postLocked(ctx, db, in, &res, &before)
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		e.writeAudit(ctx, res.Account.CompanyId, auditEntityTransaction, res.Transaction.ID,
			auditActionCreated, nil, res.Transaction, in.SourceEvent)
		e.writeAudit(ctx, res.Account.CompanyId, auditEntityAccount, res.Account.ID,
			auditActionBalanceUpdated, &before, res.Account, in.SourceEvent)
	}
	return &res, nil
}

func validatePostInput(in *PostInput) error {
	if in.AccountId <= 0 {
		return fmt.Errorf("%w: account id is required", ErrInvalidPosting)
	}
	if !postingTypes[in.Type] {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidPosting, in.Type)
	}
	if in.Debit.IsNegative() || in.Credit.IsNegative() {
		return fmt.Errorf("%w: negative amounts are not allowed", ErrInvalidPosting)
	}
	if in.Debit.IsPositive() == in.Credit.IsPositive() {
		return ErrInvalidPosting
	}
	in.Debit = in.Debit.Round(2)
	in.Credit = in.Credit.Round(2)
	return nil
}

func (e *Engine) postLocked(ctx context.Context, db *gorm.DB, in PostInput, res *PostResult, before *models.TrustAccount) error {
	var acct models.TrustAccount
	if err := db.WithContext(ctx).First(&acct, in.AccountId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrAccountNotFound
		}
		return err
	}
	*before = acct

	if acct.Status == models.TrustAccountStatusClosed {
		return ErrAccountClosed
	}

	var settlement models.TrustSettlement
	serr := db.WithContext(ctx).Where("trust_account_id = ?", acct.ID).First(&settlement).Error
	if serr == nil && settlement.Locked {
		return ErrSettlementLocked
	} else if serr != nil && serr != gorm.ErrRecordNotFound {
		return serr
	}

	if in.SourcePaymentId != nil {
		var existing models.TrustTransaction
		err := db.WithContext(ctx).Where("source_payment_id = ?", *in.SourcePaymentId).First(&existing).Error
		if err == nil {
			res.Account = &acct
			res.Transaction = &existing
			res.Duplicate = true
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
	}

	next := acct.RunningBalance.Add(in.Credit).Sub(in.Debit).Round(2)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientFunds, acct.RunningBalance, in.Debit)
	}

	txn := models.TrustTransaction{
		CompanyId:       acct.CompanyId,
		TrustAccountId:  acct.ID,
		PropertyId:      acct.PropertyId,
		SourcePaymentId: in.SourcePaymentId,
		Type:            in.Type,
		Debit:           in.Debit,
		Credit:          in.Credit,
		RunningBalance:  next,
		SettlementId:    in.SettlementId,
		Reference:       in.Reference,
		SourceEvent:     in.SourceEvent,
	}
	if err := db.WithContext(ctx).Create(&txn).Error; err != nil {
		if in.SourcePaymentId != nil && isDuplicateKeyErr(err) {
			// Lost the insert race to another writer on the unique source
			// payment index: hand back their entry as the duplicate.
			var existing models.TrustTransaction
			if ferr := db.WithContext(ctx).Where("source_payment_id = ?", *in.SourcePaymentId).First(&existing).Error; ferr == nil {
				res.Account = &acct
				res.Transaction = &existing
				res.Duplicate = true
				return nil
			}
		}
		return err
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"running_balance":     next,
		"closing_balance":     next,
		"last_transaction_at": now,
	}
	acct.RunningBalance = next
	acct.ClosingBalance = next
	acct.LastTransactionAt = &now

	if in.Type == models.TransactionTypeBuyerPayment && in.Credit.IsPositive() {
		// The very first funding of a zero-opening account sets the
		// effective opening balance: trust accounts open when the first
		// deposit lands.
		if acct.OpeningBalance.IsZero() && before.AmountReceived.IsZero() {
			updates["opening_balance"] = in.Credit
			acct.OpeningBalance = in.Credit
		}

		received := before.AmountReceived.Add(in.Credit).Round(2)
		outstanding := acct.PurchasePrice.Sub(received).Round(2)
		if outstanding.IsNegative() {
			outstanding = decimal.Zero
		}
		updates["amount_received"] = received
		updates["amount_outstanding"] = outstanding
		acct.AmountReceived = received
		acct.AmountOutstanding = outstanding

		if acct.WorkflowState == models.WorkflowStateListed {
			updates["workflow_state"] = models.WorkflowStateDepositReceived
			acct.WorkflowState = models.WorkflowStateDepositReceived
		}
	}

	if err := db.WithContext(ctx).Model(&models.TrustAccount{}).
		Where("id = ?", acct.ID).
		Updates(updates).Error; err != nil {
		return err
	}

	res.Account = &acct
	res.Transaction = &txn
	return nil
}
