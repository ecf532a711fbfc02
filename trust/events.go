package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/property_backend/appctx"
	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

// Event scopes partition the deduplication and retry tables per handler.
const (
	scopePaymentConfirmed = "payment.confirmed"
	scopePaymentReversed  = "payment.reversed"
)

// EventEnvelope is the wire shape published on the payment topic.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PaymentConfirmedEvent announces cleared buyer funds from the payment
// gateway. Delivery is at-least-once, so EventID and PaymentID together drive
// deduplication.
type PaymentConfirmedEvent struct {
	EventID     string          `json:"event_id" validate:"required"`
	PaymentID   int             `json:"payment_id" validate:"required,gt=0"`
	PropertyID  int             `json:"property_id" validate:"required,gt=0"`
	PayerID     *int            `json:"payer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Date        time.Time       `json:"date"`
	CompanyID   string          `json:"company_id" validate:"required"`
	PerformedBy string          `json:"performed_by"`
}

// PaymentReversedEvent announces a gateway reversal of an earlier confirmed
// payment. PaymentID names the original payment; ReversalPaymentID, when set,
// links the gateway's reversal record, whose amount takes precedence over the
// original ledger credit.
type PaymentReversedEvent struct {
	EventID           string `json:"event_id" validate:"required"`
	PaymentID         int    `json:"payment_id" validate:"required,gt=0"`
	ReversalPaymentID *int   `json:"reversal_payment_id"`
	CompanyID         string `json:"company_id" validate:"required"`
	Reason            string `json:"reason"`
	PerformedBy       string `json:"performed_by"`
}

// ProcessEnvelope dispatches one raw message to its handler.
func (e *Engine) ProcessEnvelope(ctx context.Context, data []byte) error {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}

	switch envelope.Type {
	case scopePaymentConfirmed:
		var ev PaymentConfirmedEvent
		if err := json.Unmarshal(envelope.Data, &ev); err != nil {
			return fmt.Errorf("decoding %s event: %w", envelope.Type, err)
		}
		return e.HandlePaymentConfirmed(ctx, ev)
	case scopePaymentReversed:
		var ev PaymentReversedEvent
		if err := json.Unmarshal(envelope.Data, &ev); err != nil {
			return fmt.Errorf("decoding %s event: %w", envelope.Type, err)
		}
		return e.HandlePaymentReversed(ctx, ev)
	default:
		return fmt.Errorf("unknown event type %q", envelope.Type)
	}
}

// HandlePaymentConfirmed is the full consume path: dedup check, core
// processing, and durable failure capture. A failed event lands in the retry
// queue rather than bouncing back to the broker.
func (e *Engine) HandlePaymentConfirmed(ctx context.Context, ev PaymentConfirmedEvent) error {
	if err := e.validate.Struct(ev); err != nil {
		return err
	}
	if !ev.Amount.IsPositive() {
		return fmt.Errorf("%w: payment %d amount must be positive", ErrInvalidPosting, ev.PaymentID)
	}
	ctx = eventContext(ctx, ev.CompanyID, ev.PerformedBy, ev.EventID)

	skip, err := e.beginEvent(ctx, ev.CompanyID, scopePaymentConfirmed, ev.EventID)
	if err != nil {
		return err
	}
	if skip {
		e.logger.WithFields(map[string]any{
			"scope":    scopePaymentConfirmed,
			"event_id": ev.EventID,
		}).Info("skipping already processed event")
		return nil
	}

	if err := e.processPaymentConfirmed(ctx, ev); err != nil {
		e.finishEvent(ctx, ev.CompanyID, scopePaymentConfirmed, ev.EventID, err)
		e.recordEventFailure(ctx, ev.CompanyID, scopePaymentConfirmed, ev.EventID, mustJSON(ev), err)
		return fmt.Errorf("handling payment confirmed %s: %w", ev.EventID, err)
	}
	e.finishEvent(ctx, ev.CompanyID, scopePaymentConfirmed, ev.EventID, nil)
	return nil
}

// processPaymentConfirmed ensures the deal has an open trust account and
// credits the payment into it.
func (e *Engine) processPaymentConfirmed(ctx context.Context, ev PaymentConfirmedEvent) error {
	acct, err := e.openAccountForProperty(ctx, e.db, ev.CompanyID, ev.PropertyID)
	if err == ErrAccountNotFound {
		acct, err = e.createAccountFromEvent(ctx, ev)
	}
	if err != nil {
		return err
	}

	paymentId := ev.PaymentID
	_, err = e.Post(ctx, PostInput{
		AccountId:       acct.ID,
		Type:            models.TransactionTypeBuyerPayment,
		Credit:          ev.Amount,
		SourcePaymentId: &paymentId,
		Reference:       ev.Reference,
		SourceEvent:     ev.EventID,
	})
	return err
}

// createAccountFromEvent opens a trust account for a deal whose first contact
// with this system is a confirmed payment. The purchase price comes from the
// property record when one exists.
func (e *Engine) createAccountFromEvent(ctx context.Context, ev PaymentConfirmedEvent) (*models.TrustAccount, error) {
	in := CreateTrustAccountInput{
		CompanyId:     ev.CompanyID,
		PropertyId:    ev.PropertyID,
		BuyerId:       ev.PayerID,
		WorkflowState: models.WorkflowStateListed,
	}

	var property models.Property
	perr := e.db.WithContext(ctx).
		Where("company_id = ? AND id = ?", ev.CompanyID, ev.PropertyID).
		First(&property).Error
	if perr == nil {
		in.PurchasePrice = property.Price
		in.SellerId = property.SellerId
	} else if perr != gorm.ErrRecordNotFound {
		return nil, perr
	}

	acct, err := e.CreateTrustAccount(ctx, in)
	if err == ErrDuplicateAccount {
		// Concurrent consumer opened it first; use theirs.
		return e.openAccountForProperty(ctx, e.db, ev.CompanyID, ev.PropertyID)
	}
	return acct, err
}

// HandlePaymentReversed mirrors HandlePaymentConfirmed for reversal events.
func (e *Engine) HandlePaymentReversed(ctx context.Context, ev PaymentReversedEvent) error {
	if err := e.validate.Struct(ev); err != nil {
		return err
	}
	ctx = eventContext(ctx, ev.CompanyID, ev.PerformedBy, ev.EventID)

	skip, err := e.beginEvent(ctx, ev.CompanyID, scopePaymentReversed, ev.EventID)
	if err != nil {
		return err
	}
	if skip {
		e.logger.WithFields(map[string]any{
			"scope":    scopePaymentReversed,
			"event_id": ev.EventID,
		}).Info("skipping already processed event")
		return nil
	}

	if err := e.processPaymentReversed(ctx, ev); err != nil {
		e.finishEvent(ctx, ev.CompanyID, scopePaymentReversed, ev.EventID, err)
		e.recordEventFailure(ctx, ev.CompanyID, scopePaymentReversed, ev.EventID, mustJSON(ev), err)
		return fmt.Errorf("handling payment reversed %s: %w", ev.EventID, err)
	}
	e.finishEvent(ctx, ev.CompanyID, scopePaymentReversed, ev.EventID, nil)
	return nil
}

// processPaymentReversed debits back an earlier confirmed payment as a
// refund. The original payment's ledger entry locates the account; the
// linked reversal payment's amount takes precedence, falling back to the
// full original credit. When the gateway supplies a reversal payment id it
// also keys the refund entry, so replays post nothing twice.
func (e *Engine) processPaymentReversed(ctx context.Context, ev PaymentReversedEvent) error {
	var original models.TrustTransaction
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND source_payment_id = ?", ev.CompanyID, ev.PaymentID).
		First(&original).Error
	if err == gorm.ErrRecordNotFound {
		return fmt.Errorf("%w: no ledger entry for payment %d", ErrPaymentNotFound, ev.PaymentID)
	}
	if err != nil {
		return err
	}

	amount := original.Credit
	if ev.ReversalPaymentID != nil {
		var reversal models.SalePayment
		rerr := e.db.WithContext(ctx).
			Where("company_id = ? AND id = ?", ev.CompanyID, *ev.ReversalPaymentID).
			First(&reversal).Error
		if rerr == nil && !reversal.Amount.IsZero() {
			amount = reversal.Amount.Abs().Round(2)
		} else if rerr != nil && rerr != gorm.ErrRecordNotFound {
			return rerr
		}
	}

	_, err = e.Post(ctx, PostInput{
		AccountId:       original.TrustAccountId,
		Type:            models.TransactionTypeRefund,
		Debit:           amount,
		SourcePaymentId: ev.ReversalPaymentID,
		Reference:       ev.Reason,
		SourceEvent:     ev.EventID,
	})
	return err
}

// beginEvent claims an event id for processing. It reports skip=true when the
// event already completed; STARTED and FAILED rows are claimed again so crash
// recovery and retries can re-run the handler.
func (e *Engine) beginEvent(ctx context.Context, companyId, scope, eventId string) (bool, error) {
	var existing models.ProcessedEvent
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND scope = ? AND event_id = ?", companyId, scope, eventId).
		First(&existing).Error
	if err == nil {
		if existing.Status == models.ProcessedEventStatusProcessed {
			return true, nil
		}
		return false, e.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
			Where("id = ?", existing.ID).
			Update("status", models.ProcessedEventStatusStarted).Error
	}
	if err != gorm.ErrRecordNotFound {
		return false, err
	}

	record := models.ProcessedEvent{
		CompanyId: companyId,
		Scope:     scope,
		EventId:   eventId,
		Status:    models.ProcessedEventStatusStarted,
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Concurrent consumer beat us to the claim.
			ferr := e.db.WithContext(ctx).
				Where("company_id = ? AND scope = ? AND event_id = ?", companyId, scope, eventId).
				First(&existing).Error
			if ferr != nil {
				return false, ferr
			}
			return existing.Status == models.ProcessedEventStatusProcessed, nil
		}
		return false, err
	}
	return false, nil
}

// finishEvent records the terminal status of a processing attempt.
func (e *Engine) finishEvent(ctx context.Context, companyId, scope, eventId string, procErr error) {
	updates := map[string]any{"status": models.ProcessedEventStatusProcessed, "last_error": nil}
	if procErr != nil {
		msg := procErr.Error()
		updates["status"] = models.ProcessedEventStatusFailed
		updates["last_error"] = &msg
	}
	err := e.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("company_id = ? AND scope = ? AND event_id = ?", companyId, scope, eventId).
		Updates(updates).Error
	if err != nil {
		config.LogError(e.logger, "trust", "finishEvent", "updating processed event", eventId, err)
	}
}

// recordEventFailure enqueues the event for durable retry. If a PENDING or
// DEAD row already exists the sweeper owns it and nothing is added.
func (e *Engine) recordEventFailure(ctx context.Context, companyId, scope, eventId string, payload []byte, cause error) {
	var existing models.EventFailureLog
	err := e.db.WithContext(ctx).
		Where("company_id = ? AND scope = ? AND event_id = ? AND status <> ?",
			companyId, scope, eventId, models.EventFailureStatusResolved).
		First(&existing).Error
	if err == nil {
		return
	}
	if err != gorm.ErrRecordNotFound {
		config.LogError(e.logger, "trust", "recordEventFailure", "checking retry queue", eventId, err)
		return
	}

	msg := cause.Error()
	next := time.Now().UTC().Add(retryBackoff(1))
	entry := models.EventFailureLog{
		CompanyId:   companyId,
		Scope:       scope,
		EventId:     eventId,
		Payload:     payload,
		Attempts:    1,
		Status:      models.EventFailureStatusPending,
		NextRetryAt: &next,
		LastError:   &msg,
	}
	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(e.logger, "trust", "recordEventFailure", "enqueueing event retry", eventId, err)
	}
}

// RunPaymentListener consumes the payment subscription until ctx is done.
// Messages are always acked: a failed event is already parked in the DB retry
// queue, and redelivery by the broker would only duplicate that work.
func (e *Engine) RunPaymentListener(ctx context.Context, sub *pubsub.Subscription) error {
	e.logger.WithField("subscription", sub.ID()).Info("payment event listener started")
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := e.ProcessEnvelope(ctx, msg.Data); err != nil {
			config.LogError(e.logger, "trust", "RunPaymentListener", "processing payment event", string(msg.Data), err)
		}
		msg.Ack()
	})
}

func eventContext(ctx context.Context, companyId, performedBy, eventId string) context.Context {
	ctx = appctx.Set(ctx, appctx.ContextKeyCompanyId, companyId)
	ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, eventId)
	if performedBy != "" {
		ctx = appctx.Set(ctx, appctx.ContextKeyActor, performedBy)
	}
	return ctx
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
