package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

const (
	maxEventAttempts = 5

	retrySweepLockKey = "trust:retry-sweep"
)

// retryBackoff returns the delay before attempt n+1, doubling per attempt and
// capped at one hour.
func retryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	minutes := 1 << (attempts - 1)
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// SweepRetries replays every due PENDING failure once. Each record is handled
// in isolation so one poisoned event cannot stall the rest of the queue. It
// returns the number of records that resolved.
func (e *Engine) SweepRetries(ctx context.Context) (int, error) {
	var due []models.EventFailureLog
	err := e.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.EventFailureStatusPending, time.Now().UTC()).
		Order("id ASC").
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, record := range due {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if e.retryOne(ctx, record) {
			resolved++
		}
	}
	return resolved, nil
}

// retryOne replays a single failed event and updates its queue row.
func (e *Engine) retryOne(ctx context.Context, record models.EventFailureLog) bool {
	replayErr := e.replayFailure(ctx, record)
	if replayErr == nil {
		e.finishEvent(ctx, record.CompanyId, record.Scope, record.EventId, nil)
		err := e.db.WithContext(ctx).Model(&models.EventFailureLog{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{"status": models.EventFailureStatusResolved, "last_error": nil}).Error
		if err != nil {
			config.LogError(e.logger, "trust", "retryOne", "resolving retry record", record.EventId, err)
		}
		return true
	}

	attempts := record.Attempts + 1
	msg := replayErr.Error()
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": &msg,
	}
	if attempts >= maxEventAttempts {
		updates["status"] = models.EventFailureStatusDead
		updates["next_retry_at"] = nil
		e.logger.WithFields(map[string]any{
			"scope":    record.Scope,
			"event_id": record.EventId,
			"attempts": attempts,
		}).Error("event retries exhausted, parked for manual review")
	} else {
		next := time.Now().UTC().Add(retryBackoff(attempts))
		updates["next_retry_at"] = &next
	}

	err := e.db.WithContext(ctx).Model(&models.EventFailureLog{}).
		Where("id = ?", record.ID).
		Updates(updates).Error
	if err != nil {
		config.LogError(e.logger, "trust", "retryOne", "updating retry record", record.EventId, err)
	}
	return false
}

// replayFailure re-runs the core handler for a queued failure. The processed
// event row is checked first so a retry of work that already completed
// elsewhere resolves without touching the ledger.
func (e *Engine) replayFailure(ctx context.Context, record models.EventFailureLog) error {
	var processed models.ProcessedEvent
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND scope = ? AND event_id = ?", record.CompanyId, record.Scope, record.EventId).
		First(&processed).Error
	if err == nil && processed.Status == models.ProcessedEventStatusProcessed {
		return nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	switch record.Scope {
	case scopePaymentConfirmed:
		var ev PaymentConfirmedEvent
		if err := json.Unmarshal(record.Payload, &ev); err != nil {
			return fmt.Errorf("decoding queued %s payload: %w", record.Scope, err)
		}
		ctx = eventContext(ctx, ev.CompanyID, ev.PerformedBy, ev.EventID)
		return e.processPaymentConfirmed(ctx, ev)
	case scopePaymentReversed:
		var ev PaymentReversedEvent
		if err := json.Unmarshal(record.Payload, &ev); err != nil {
			return fmt.Errorf("decoding queued %s payload: %w", record.Scope, err)
		}
		ctx = eventContext(ctx, ev.CompanyID, ev.PerformedBy, ev.EventID)
		return e.processPaymentReversed(ctx, ev)
	default:
		return fmt.Errorf("unknown retry scope %q", record.Scope)
	}
}

// RunRetrySweeper runs SweepRetries on a fixed interval until ctx is done.
// When a lock client is configured the sweep is guarded by a cross-instance
// lock so only one replica replays the queue per tick.
func (e *Engine) RunRetrySweeper(ctx context.Context, interval time.Duration) {
	e.logger.WithField("interval", interval.String()).Info("event retry sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepWithLock(ctx, interval)
		}
	}
}

func (e *Engine) sweepWithLock(ctx context.Context, interval time.Duration) {
	if e.locker != nil {
		lock, err := e.locker.Obtain(ctx, retrySweepLockKey, interval, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err != nil {
			config.LogError(e.logger, "trust", "sweepWithLock", "obtaining sweep lock", retrySweepLockKey, err)
			return
		}
		defer func() {
			if rerr := lock.Release(ctx); rerr != nil && rerr != redislock.ErrLockNotHeld {
				config.LogError(e.logger, "trust", "sweepWithLock", "releasing sweep lock", retrySweepLockKey, rerr)
			}
		}()
	}

	resolved, err := e.SweepRetries(ctx)
	if err != nil {
		config.LogError(e.logger, "trust", "sweepWithLock", "sweeping retry queue", nil, err)
		return
	}
	if resolved > 0 {
		e.logger.WithField("resolved", resolved).Info("retry sweep resolved queued events")
	}
}
