package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

const (
	backfillName     = "trust_account_backfill"
	backfillPageSize = 100
	backfillLease    = 5 * time.Minute
)

// BackfillOptions tunes one backfill run. Limit > 0 stops after that many
// qualifying properties and leaves the job resumable; DryRun reports what a
// run would do without acquiring the lease or writing anything.
type BackfillOptions struct {
	CompanyId string
	Limit     int
	DryRun    bool
}

// BackfillReport summarizes one run.
type BackfillReport struct {
	Scanned         int  `json:"scanned"`
	Qualified       int  `json:"qualified"`
	AccountsCreated int  `json:"accounts_created"`
	PaymentsPosted  int  `json:"payments_posted"`
	SkippedExisting int  `json:"skipped_existing"`
	Cursor          int  `json:"cursor"`
	Completed       bool `json:"completed"`
	DryRun          bool `json:"dry_run"`
}

// RunBackfill walks historical properties and opens trust accounts for deals
// that predate this system, replaying their completed payments into the
// ledger. The job is lease-locked so only one runner advances at a time, and
// the cursor makes interrupted runs resumable.
func (e *Engine) RunBackfill(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	if opts.DryRun {
		report := &BackfillReport{DryRun: true}
		err := e.backfillPass(ctx, opts, 0, report, nil)
		return report, err
	}

	token := uuid.NewString()
	state, err := e.acquireBackfillLease(ctx, token)
	if err != nil {
		return nil, err
	}

	report := &BackfillReport{Cursor: state.LastProcessedId}
	heartbeat := func(cursor, processed int) error {
		return e.extendBackfillLease(ctx, token, cursor, processed)
	}

	passErr := e.backfillPass(ctx, opts, state.LastProcessedId, report, heartbeat)
	if passErr != nil {
		e.failBackfill(ctx, token, passErr)
		return report, passErr
	}

	finalStatus := models.MigrationStatusIdle
	if report.Completed {
		finalStatus = models.MigrationStatusCompleted
	}
	if err := e.releaseBackfillLease(ctx, token, finalStatus, report.Cursor); err != nil {
		return report, err
	}

	e.logger.WithFields(map[string]any{
		"scanned":          report.Scanned,
		"qualified":        report.Qualified,
		"accounts_created": report.AccountsCreated,
		"payments_posted":  report.PaymentsPosted,
		"completed":        report.Completed,
	}).Info("trust account backfill pass finished")
	return report, nil
}

// backfillPass pages through properties from the cursor. heartbeat is nil for
// dry runs; otherwise it must succeed after every page or the pass aborts.
func (e *Engine) backfillPass(ctx context.Context, opts BackfillOptions, cursor int, report *BackfillReport, heartbeat func(cursor, processed int) error) error {
	report.Cursor = cursor

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		query := e.db.WithContext(ctx).
			Where("id > ?", report.Cursor).
			Order("id ASC").
			Limit(backfillPageSize)
		if opts.CompanyId != "" {
			query = query.Where("company_id = ?", opts.CompanyId)
		}

		var page []models.Property
		if err := query.Find(&page).Error; err != nil {
			return err
		}
		if len(page) == 0 {
			report.Completed = true
			return nil
		}

		for _, property := range page {
			report.Scanned++
			report.Cursor = property.ID

			qualified, err := e.backfillProperty(ctx, property, opts.DryRun, report)
			if err != nil {
				return fmt.Errorf("backfilling property %d: %w", property.ID, err)
			}
			if qualified {
				report.Qualified++
			}
			if opts.Limit > 0 && report.Qualified >= opts.Limit {
				return nil
			}
		}

		if heartbeat != nil {
			if err := heartbeat(report.Cursor, report.Scanned); err != nil {
				return err
			}
		}
	}
}

// backfillProperty decides whether one property needs a trust account and
// replays its completed payments. Replay reuses the posting engine's source
// payment dedup, so payments that already reached the ledger are skipped.
func (e *Engine) backfillProperty(ctx context.Context, property models.Property, dryRun bool, report *BackfillReport) (bool, error) {
	var payments []models.SalePayment
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND property_id = ? AND kind = ? AND status = ?",
			property.CompanyId, property.ID, models.SalePaymentKindSale, models.SalePaymentStatusCompleted).
		Order("id ASC").
		Find(&payments).Error
	if err != nil {
		return false, err
	}

	qualifies := property.Status == models.PropertyStatusSold ||
		property.Status == models.PropertyStatusForSale ||
		len(payments) > 0
	if !qualifies {
		return false, nil
	}

	acct, aerr := e.openAccountForProperty(ctx, e.db, property.CompanyId, property.ID)
	switch aerr {
	case nil:
		report.SkippedExisting++
	case ErrAccountNotFound:
		if dryRun {
			report.AccountsCreated++
			report.PaymentsPosted += len(payments)
			return true, nil
		}
		acct, err = e.CreateTrustAccount(ctx, CreateTrustAccountInput{
			CompanyId:     property.CompanyId,
			PropertyId:    property.ID,
			SellerId:      property.SellerId,
			PurchasePrice: property.Price,
			WorkflowState: models.WorkflowStateListed,
		})
		if err != nil {
			return true, err
		}
		report.AccountsCreated++
	default:
		return true, aerr
	}

	for _, payment := range payments {
		if dryRun {
			var count int64
			if err := e.db.WithContext(ctx).Model(&models.TrustTransaction{}).
				Where("source_payment_id = ?", payment.ID).
				Count(&count).Error; err != nil {
				return true, err
			}
			if count == 0 {
				report.PaymentsPosted++
			}
			continue
		}

		paymentId := payment.ID
		res, err := e.Post(ctx, PostInput{
			AccountId:       acct.ID,
			Type:            models.TransactionTypeBuyerPayment,
			Credit:          payment.Amount,
			SourcePaymentId: &paymentId,
			Reference:       payment.Reference,
			SourceEvent:     fmt.Sprintf("backfill-payment-%d", payment.ID),
		})
		if err != nil {
			return true, err
		}
		if !res.Duplicate {
			report.PaymentsPosted++
		}
	}
	return true, nil
}

// acquireBackfillLease claims the job row. Acquisition succeeds when the row
// is absent, terminal, or holds an expired lease; anything else means another
// runner is live.
func (e *Engine) acquireBackfillLease(ctx context.Context, token string) (*models.MigrationState, error) {
	var state models.MigrationState
	err := e.withTx(func(db *gorm.DB) error {
		ferr := db.WithContext(ctx).Where("name = ?", backfillName).First(&state).Error
		now := time.Now().UTC()
		lease := now.Add(backfillLease)

		if ferr == gorm.ErrRecordNotFound {
			state = models.MigrationState{
				Name:           backfillName,
				Status:         models.MigrationStatusRunning,
				LockToken:      token,
				LeaseExpiresAt: &lease,
				StartedAt:      &now,
			}
			return db.WithContext(ctx).Create(&state).Error
		}
		if ferr != nil {
			return ferr
		}

		if state.Status == models.MigrationStatusRunning &&
			state.LeaseExpiresAt != nil && state.LeaseExpiresAt.After(now) {
			return fmt.Errorf("%w: lease held until %s", ErrBackfillLockHeld, state.LeaseExpiresAt.Format(time.RFC3339))
		}

		cursor := state.LastProcessedId
		if state.Status == models.MigrationStatusCompleted {
			// A finished backfill restarted from scratch re-verifies
			// everything; payment dedup keeps that harmless.
			cursor = 0
		}
		updates := map[string]any{
			"status":            models.MigrationStatusRunning,
			"lock_token":        token,
			"lease_expires_at":  lease,
			"last_processed_id": cursor,
			"last_error":        nil,
			"started_at":        now,
			"finished_at":       nil,
		}
		if err := db.WithContext(ctx).Model(&models.MigrationState{}).
			Where("id = ?", state.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		state.Status = models.MigrationStatusRunning
		state.LockToken = token
		state.LeaseExpiresAt = &lease
		state.LastProcessedId = cursor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// extendBackfillLease advances the cursor and pushes the lease out. Losing
// the token means another runner took over an expired lease, and this runner
// must stop.
func (e *Engine) extendBackfillLease(ctx context.Context, token string, cursor, processed int) error {
	lease := time.Now().UTC().Add(backfillLease)
	res := e.db.WithContext(ctx).Model(&models.MigrationState{}).
		Where("name = ? AND lock_token = ?", backfillName, token).
		Updates(map[string]any{
			"lease_expires_at":  lease,
			"last_processed_id": cursor,
			"processed_count":   processed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: lease lost to another runner", ErrBackfillLockHeld)
	}
	return nil
}

func (e *Engine) releaseBackfillLease(ctx context.Context, token string, status models.MigrationStatus, cursor int) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":            status,
		"lease_expires_at":  nil,
		"last_processed_id": cursor,
	}
	if status == models.MigrationStatusCompleted {
		updates["finished_at"] = now
	}
	res := e.db.WithContext(ctx).Model(&models.MigrationState{}).
		Where("name = ? AND lock_token = ?", backfillName, token).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: lease lost before release", ErrBackfillLockHeld)
	}
	return nil
}

func (e *Engine) failBackfill(ctx context.Context, token string, cause error) {
	msg := cause.Error()
	err := e.db.WithContext(ctx).Model(&models.MigrationState{}).
		Where("name = ? AND lock_token = ?", backfillName, token).
		Updates(map[string]any{
			"status":           models.MigrationStatusFailed,
			"lease_expires_at": nil,
			"last_error":       &msg,
		}).Error
	if err != nil {
		config.LogError(e.logger, "trust", "failBackfill", "recording backfill failure", backfillName, err)
	}
}

// BackfillStatus returns the job row, or nil when no backfill has ever run.
func (e *Engine) BackfillStatus(ctx context.Context) (*models.MigrationState, error) {
	var state models.MigrationState
	err := e.db.WithContext(ctx).Where("name = ?", backfillName).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
