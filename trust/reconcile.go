package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

const (
	reconcileLockKey     = "trust:reconciliation"
	reconcileCacheKeyFmt = "trust:reconciliation:latest:%s"
	reconcileCacheTTL    = 48 * time.Hour
	reconcileDetailCap   = 500
)

// ReconciliationFinding is one discrepancy (or repair) discovered by a run.
type ReconciliationFinding struct {
	Outcome   models.ReconciliationOutcome `json:"outcome"`
	AccountId int                          `json:"account_id,omitempty"`
	PaymentId int                          `json:"payment_id,omitempty"`
	Expected  string                       `json:"expected,omitempty"`
	Actual    string                       `json:"actual,omitempty"`
	Note      string                       `json:"note,omitempty"`
}

// RunReconciliation sweeps one company: it re-emits completed payments that
// never reached the ledger, then checks every account summary against its
// ledger. Mismatches on open accounts are repaired from the ledger, which is
// the source of truth; mismatches on closed accounts are immutable and only
// flagged for manual review.
func (e *Engine) RunReconciliation(ctx context.Context, companyId string) (*models.ReconciliationRun, error) {
	run := models.ReconciliationRun{CompanyId: companyId, RanAt: time.Now().UTC()}
	var findings []ReconciliationFinding
	addFinding := func(f ReconciliationFinding) {
		if len(findings) < reconcileDetailCap {
			findings = append(findings, f)
		}
	}

	if err := e.reconcilePayments(ctx, companyId, &run, addFinding); err != nil {
		return nil, err
	}
	if err := e.reconcileBalances(ctx, companyId, &run, addFinding); err != nil {
		return nil, err
	}

	if len(findings) > 0 {
		if b, err := json.Marshal(findings); err == nil {
			run.DetailsJSON = b
		}
	}
	if err := e.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}

	e.cacheReconciliation(ctx, &run)
	e.logger.WithFields(map[string]any{
		"company_id":         companyId,
		"payments_checked":   run.PaymentsChecked,
		"accounts_checked":   run.AccountsChecked,
		"missing_postings":   run.MissingPostings,
		"balance_mismatches": run.BalanceMismatches,
		"auto_repairs":       run.AutoRepairs,
		"flagged":            run.Flagged,
	}).Info("reconciliation run complete")
	return &run, nil
}

// reconcilePayments finds completed payments with no ledger entry and feeds
// them back through the confirmed-payment handler under a deterministic event
// id, so a repair replayed twice still posts once.
func (e *Engine) reconcilePayments(ctx context.Context, companyId string, run *models.ReconciliationRun, addFinding func(ReconciliationFinding)) error {
	var payments []models.SalePayment
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND kind = ? AND status = ? AND provisional = ?",
			companyId, models.SalePaymentKindSale, models.SalePaymentStatusCompleted, false).
		Order("id ASC").
		Find(&payments).Error
	if err != nil {
		return err
	}

	for _, payment := range payments {
		run.PaymentsChecked++

		var count int64
		if err := e.db.WithContext(ctx).Model(&models.TrustTransaction{}).
			Where("source_payment_id = ?", payment.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		run.MissingPostings++
		herr := e.HandlePaymentConfirmed(ctx, PaymentConfirmedEvent{
			EventID:    fmt.Sprintf("reconcile-payment-%d", payment.ID),
			PaymentID:  payment.ID,
			PropertyID: payment.PropertyId,
			PayerID:    payment.PayerId,
			Amount:     payment.Amount,
			Reference:  payment.Reference,
			CompanyID:  companyId,
		})
		if herr != nil {
			config.LogError(e.logger, "trust", "reconcilePayments", "re-emitting missing payment", payment.ID, herr)
			addFinding(ReconciliationFinding{
				Outcome:   models.ReconciliationOutcomeFlagged,
				PaymentId: payment.ID,
				Note:      "missing ledger entry, re-emit failed: " + herr.Error(),
			})
			run.Flagged++
			continue
		}
		run.AutoRepairs++
		addFinding(ReconciliationFinding{
			Outcome:   models.ReconciliationOutcomeRepaired,
			PaymentId: payment.ID,
			Note:      "missing ledger entry re-emitted",
		})
	}
	return nil
}

// reconcileBalances checks every account summary against the latest ledger
// running balance.
func (e *Engine) reconcileBalances(ctx context.Context, companyId string, run *models.ReconciliationRun, addFinding func(ReconciliationFinding)) error {
	var accounts []models.TrustAccount
	if err := e.db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return err
	}

	for _, acct := range accounts {
		run.AccountsChecked++

		expected, err := e.ledgerBalance(ctx, &acct)
		if err != nil {
			return err
		}
		if acct.RunningBalance.Equal(expected) {
			continue
		}

		run.BalanceMismatches++
		if acct.Status == models.TrustAccountStatusClosed {
			run.Flagged++
			addFinding(ReconciliationFinding{
				Outcome:   models.ReconciliationOutcomeFlagged,
				AccountId: acct.ID,
				Expected:  expected.String(),
				Actual:    acct.RunningBalance.String(),
				Note:      "closed account balance disagrees with ledger",
			})
			e.logger.WithFields(map[string]any{
				"account_id": acct.ID,
				"expected":   expected.String(),
				"actual":     acct.RunningBalance.String(),
			}).Warn("closed account flagged for manual review")
			continue
		}

		if err := e.repairBalance(ctx, &acct, expected); err != nil {
			return err
		}
		run.AutoRepairs++
		addFinding(ReconciliationFinding{
			Outcome:   models.ReconciliationOutcomeRepaired,
			AccountId: acct.ID,
			Expected:  expected.String(),
			Actual:    acct.RunningBalance.String(),
			Note:      "summary balance overwritten from ledger",
		})
	}
	return nil
}

// ledgerBalance returns the running balance of the newest ledger entry, or
// the opening balance when the ledger is empty.
func (e *Engine) ledgerBalance(ctx context.Context, acct *models.TrustAccount) (decimal.Decimal, error) {
	var latest models.TrustTransaction
	err := e.db.WithContext(ctx).
		Where("trust_account_id = ?", acct.ID).
		Order("id DESC").
		First(&latest).Error
	if err == gorm.ErrRecordNotFound {
		return acct.OpeningBalance, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return latest.RunningBalance, nil
}

func (e *Engine) repairBalance(ctx context.Context, acct *models.TrustAccount, expected decimal.Decimal) error {
	before := map[string]any{"running_balance": acct.RunningBalance, "closing_balance": acct.ClosingBalance}
	err := e.withAccountTx(acct.ID, func(db *gorm.DB) error {
		return db.WithContext(ctx).Model(&models.TrustAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]any{
				"running_balance": expected,
				"closing_balance": expected,
			}).Error
	})
	if err != nil {
		return err
	}

	e.writeAudit(ctx, acct.CompanyId, auditEntityAccount, acct.ID, auditActionRepaired,
		before, map[string]any{"running_balance": expected, "closing_balance": expected}, "")
	acct.RunningBalance = expected
	acct.ClosingBalance = expected
	return nil
}

func (e *Engine) cacheReconciliation(ctx context.Context, run *models.ReconciliationRun) {
	if e.rdb == nil {
		return
	}
	b, err := json.Marshal(run)
	if err != nil {
		return
	}
	key := fmt.Sprintf(reconcileCacheKeyFmt, run.CompanyId)
	if err := e.rdb.Set(ctx, key, b, reconcileCacheTTL).Err(); err != nil {
		config.LogError(e.logger, "trust", "cacheReconciliation", "caching reconciliation snapshot", key, err)
	}
}

// GetReconciliationSnapshot returns the latest run for a company, preferring
// the cached copy.
func (e *Engine) GetReconciliationSnapshot(ctx context.Context, companyId string) (*models.ReconciliationRun, error) {
	if e.rdb != nil {
		key := fmt.Sprintf(reconcileCacheKeyFmt, companyId)
		if b, err := e.rdb.Get(ctx, key).Bytes(); err == nil {
			var run models.ReconciliationRun
			if jerr := json.Unmarshal(b, &run); jerr == nil {
				return &run, nil
			}
		}
	}

	var run models.ReconciliationRun
	err := e.db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Order("ran_at DESC, id DESC").
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RunReconciliationScheduler reconciles every company with trust accounts on
// a fixed interval, guarded by a cross-instance lock when one is configured.
func (e *Engine) RunReconciliationScheduler(ctx context.Context, interval time.Duration) {
	e.logger.WithField("interval", interval.String()).Info("reconciliation scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileAllWithLock(ctx, interval)
		}
	}
}

func (e *Engine) reconcileAllWithLock(ctx context.Context, interval time.Duration) {
	if e.locker != nil {
		ttl := interval
		if ttl > time.Hour {
			ttl = time.Hour
		}
		lock, err := e.locker.Obtain(ctx, reconcileLockKey, ttl, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err != nil {
			config.LogError(e.logger, "trust", "reconcileAllWithLock", "obtaining reconciliation lock", reconcileLockKey, err)
			return
		}
		defer func() {
			if rerr := lock.Release(ctx); rerr != nil && rerr != redislock.ErrLockNotHeld {
				config.LogError(e.logger, "trust", "reconcileAllWithLock", "releasing reconciliation lock", reconcileLockKey, rerr)
			}
		}()
	}

	var companies []string
	err := e.db.WithContext(ctx).Model(&models.TrustAccount{}).
		Distinct("company_id").
		Pluck("company_id", &companies).Error
	if err != nil {
		config.LogError(e.logger, "trust", "reconcileAllWithLock", "listing companies", nil, err)
		return
	}

	for _, companyId := range companies {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.RunReconciliation(ctx, companyId); err != nil {
			config.LogError(e.logger, "trust", "reconcileAllWithLock", "reconciling company", companyId, err)
		}
	}
}
