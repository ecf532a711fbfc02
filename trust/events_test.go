package trust

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

func confirmedEnvelope(t *testing.T, ev PaymentConfirmedEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	b, err := json.Marshal(EventEnvelope{Type: scopePaymentConfirmed, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func TestPaymentConfirmedCreatesAccountAndPosts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sellerId := 77
	if err := e.db.Create(&models.Property{
		ID:        101,
		CompanyId: "co-1",
		Status:    models.PropertyStatusForSale,
		Price:     dec(t, "100000"),
		SellerId:  &sellerId,
	}).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}

	err := e.ProcessEnvelope(ctx, confirmedEnvelope(t, PaymentConfirmedEvent{
		EventID:     "evt-1",
		PaymentID:   5001,
		PropertyID:  101,
		Amount:      dec(t, "30000"),
		Reference:   "deposit",
		CompanyID:   "co-1",
		PerformedBy: "gateway",
	}))
	if err != nil {
		t.Fatalf("ProcessEnvelope: %v", err)
	}

	acct, err := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if err != nil {
		t.Fatalf("no account opened for the deal: %v", err)
	}
	if !acct.PurchasePrice.Equal(dec(t, "100000")) {
		t.Fatalf("purchase price = %s, want 100000 from the property record", acct.PurchasePrice)
	}
	if acct.SellerId == nil || *acct.SellerId != sellerId {
		t.Fatalf("seller id not carried from the property record")
	}
	if !acct.RunningBalance.Equal(dec(t, "30000")) {
		t.Fatalf("balance = %s, want 30000", acct.RunningBalance)
	}
	if acct.WorkflowState != models.WorkflowStateDepositReceived {
		t.Fatalf("workflow = %s, want DEPOSIT_RECEIVED", acct.WorkflowState)
	}

	var processed models.ProcessedEvent
	if err := e.db.Where("event_id = ?", "evt-1").First(&processed).Error; err != nil {
		t.Fatalf("processed event row missing: %v", err)
	}
	if processed.Status != models.ProcessedEventStatusProcessed {
		t.Fatalf("processed event status = %s, want PROCESSED", processed.Status)
	}
}

func TestDuplicateEventDeliveryIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ev := PaymentConfirmedEvent{
		EventID:    "evt-dup",
		PaymentID:  5001,
		PropertyID: 101,
		Amount:     dec(t, "30000"),
		CompanyID:  "co-1",
	}
	for i := 0; i < 3; i++ {
		if err := e.HandlePaymentConfirmed(ctx, ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	acct, err := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if err != nil {
		t.Fatalf("account missing: %v", err)
	}
	_, total, err := e.GetLedger(ctx, acct.ID, 10, 0)
	if err != nil {
		t.Fatalf("GetLedger: %v", err)
	}
	if total != 1 {
		t.Fatalf("ledger entries = %d, want 1 for three deliveries", total)
	}
	if !acct.RunningBalance.Equal(dec(t, "30000")) {
		t.Fatalf("balance = %s, want 30000", acct.RunningBalance)
	}
}

func TestDistinctEventsSamePaymentPostOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	base := PaymentConfirmedEvent{
		PaymentID:  5001,
		PropertyID: 101,
		Amount:     dec(t, "30000"),
		CompanyID:  "co-1",
	}
	base.EventID = "evt-a"
	if err := e.HandlePaymentConfirmed(ctx, base); err != nil {
		t.Fatalf("first event: %v", err)
	}
	base.EventID = "evt-b"
	if err := e.HandlePaymentConfirmed(ctx, base); err != nil {
		t.Fatalf("republished event: %v", err)
	}

	acct, _ := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	_, total, _ := e.GetLedger(ctx, acct.ID, 10, 0)
	if total != 1 {
		t.Fatalf("ledger entries = %d, want 1: payment id dedups across event ids", total)
	}
}

func TestReversalRefundsOriginalAmount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandlePaymentConfirmed(ctx, PaymentConfirmedEvent{
		EventID:    "evt-pay",
		PaymentID:  5001,
		PropertyID: 101,
		Amount:     dec(t, "30000"),
		CompanyID:  "co-1",
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// No linked reversal payment means "reverse the original in full".
	if err := e.HandlePaymentReversed(ctx, PaymentReversedEvent{
		EventID:   "evt-rev",
		PaymentID: 5001,
		CompanyID: "co-1",
		Reason:    "buyer withdrew",
	}); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	acct, _ := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if !acct.RunningBalance.IsZero() {
		t.Fatalf("balance after full reversal = %s, want 0", acct.RunningBalance)
	}

	var refund models.TrustTransaction
	if err := e.db.Where("trust_account_id = ? AND type = ?", acct.ID, models.TransactionTypeRefund).First(&refund).Error; err != nil {
		t.Fatalf("refund entry missing: %v", err)
	}
	if !refund.Debit.Equal(dec(t, "30000")) {
		t.Fatalf("refund debit = %s, want 30000", refund.Debit)
	}
}

func TestReversalUsesLinkedReversalPaymentAmount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandlePaymentConfirmed(ctx, PaymentConfirmedEvent{
		EventID:    "evt-pay",
		PaymentID:  5001,
		PropertyID: 101,
		Amount:     dec(t, "30000"),
		CompanyID:  "co-1",
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Gateway reversal records carry negative amounts.
	reversalPayment := seedSalePayment(t, e, models.SalePayment{
		CompanyId:  "co-1",
		PropertyId: 101,
		Kind:       models.SalePaymentKindReversal,
		Status:     models.SalePaymentStatusCompleted,
		Amount:     dec(t, "-10000"),
	})

	if err := e.HandlePaymentReversed(ctx, PaymentReversedEvent{
		EventID:           "evt-rev-partial",
		PaymentID:         5001,
		ReversalPaymentID: &reversalPayment.ID,
		CompanyID:         "co-1",
	}); err != nil {
		t.Fatalf("partial reverse: %v", err)
	}

	acct, _ := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if !acct.RunningBalance.Equal(dec(t, "20000")) {
		t.Fatalf("balance after partial reversal = %s, want 20000", acct.RunningBalance)
	}

	// The reversal payment id keys the refund: replaying the event is a no-op
	// and so is a second event referencing the same reversal payment.
	if err := e.HandlePaymentReversed(ctx, PaymentReversedEvent{
		EventID:           "evt-rev-partial-dup",
		PaymentID:         5001,
		ReversalPaymentID: &reversalPayment.ID,
		CompanyID:         "co-1",
	}); err != nil {
		t.Fatalf("duplicate reverse: %v", err)
	}
	acct, _ = e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if !acct.RunningBalance.Equal(dec(t, "20000")) {
		t.Fatalf("balance moved on duplicate reversal: %s", acct.RunningBalance)
	}
}

func TestFailedEventParkedForRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// A reversal for a payment that never reached the ledger cannot apply.
	err := e.HandlePaymentReversed(ctx, PaymentReversedEvent{
		EventID:   "evt-orphan",
		PaymentID: 5001,
		CompanyID: "co-1",
	})
	if err == nil {
		t.Fatalf("orphan reversal must fail")
	}

	var failure models.EventFailureLog
	if ferr := e.db.Where("event_id = ?", "evt-orphan").First(&failure).Error; ferr != nil {
		t.Fatalf("failure row missing: %v", ferr)
	}
	if failure.Status != models.EventFailureStatusPending || failure.Attempts != 1 {
		t.Fatalf("failure row status=%s attempts=%d, want PENDING/1", failure.Status, failure.Attempts)
	}
	if failure.NextRetryAt == nil {
		t.Fatalf("failure row missing next_retry_at")
	}

	var processed models.ProcessedEvent
	if perr := e.db.Where("event_id = ?", "evt-orphan").First(&processed).Error; perr != nil {
		t.Fatalf("processed event row missing: %v", perr)
	}
	if processed.Status != models.ProcessedEventStatusFailed {
		t.Fatalf("processed event status = %s, want FAILED", processed.Status)
	}
}

func forceDue(t *testing.T, e *Engine, eventId string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if err := e.db.Model(&models.EventFailureLog{}).
		Where("event_id = ?", eventId).
		Update("next_retry_at", past).Error; err != nil {
		t.Fatalf("force due: %v", err)
	}
}

func TestRetryResolvesAfterUpstreamCatchesUp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	reversal := PaymentReversedEvent{
		EventID:   "evt-rev-late",
		PaymentID: 5001,
		CompanyID: "co-1",
	}
	if err := e.HandlePaymentReversed(ctx, reversal); err == nil {
		t.Fatalf("out-of-order reversal must fail first")
	}

	// The confirmed payment arrives late.
	if err := e.HandlePaymentConfirmed(ctx, PaymentConfirmedEvent{
		EventID:    "evt-pay-late",
		PaymentID:  5001,
		PropertyID: 101,
		Amount:     dec(t, "30000"),
		CompanyID:  "co-1",
	}); err != nil {
		t.Fatalf("late confirm: %v", err)
	}

	forceDue(t, e, "evt-rev-late")
	resolved, err := e.SweepRetries(ctx)
	if err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}

	acct, _ := e.openAccountForProperty(ctx, e.db, "co-1", 101)
	if !acct.RunningBalance.IsZero() {
		t.Fatalf("balance after retried reversal = %s, want 0", acct.RunningBalance)
	}

	var failure models.EventFailureLog
	e.db.Where("event_id = ?", "evt-rev-late").First(&failure)
	if failure.Status != models.EventFailureStatusResolved {
		t.Fatalf("failure status = %s, want RESOLVED", failure.Status)
	}
	var processed models.ProcessedEvent
	e.db.Where("event_id = ?", "evt-rev-late").First(&processed)
	if processed.Status != models.ProcessedEventStatusProcessed {
		t.Fatalf("processed status = %s, want PROCESSED", processed.Status)
	}
}

func TestRetryExhaustionParksEventDead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandlePaymentReversed(ctx, PaymentReversedEvent{
		EventID:   "evt-poison",
		PaymentID: 5001,
		CompanyID: "co-1",
	}); err == nil {
		t.Fatalf("poison reversal must fail")
	}

	for i := 0; i < maxEventAttempts; i++ {
		forceDue(t, e, "evt-poison")
		if _, err := e.SweepRetries(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
	}

	var failure models.EventFailureLog
	if err := e.db.Where("event_id = ?", "evt-poison").First(&failure).Error; err != nil {
		t.Fatalf("failure row missing: %v", err)
	}
	if failure.Status != models.EventFailureStatusDead {
		t.Fatalf("failure status = %s, want DEAD after %d attempts", failure.Status, failure.Attempts)
	}
	if failure.Attempts < maxEventAttempts {
		t.Fatalf("attempts = %d, want >= %d", failure.Attempts, maxEventAttempts)
	}

	// Dead rows are ignored by further sweeps.
	if resolved, err := e.SweepRetries(ctx); err != nil || resolved != 0 {
		t.Fatalf("sweep of dead queue: resolved=%d err=%v", resolved, err)
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{7, 60 * time.Minute},
		{20, 60 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.attempts); got != tc.want {
			t.Fatalf("retryBackoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestUnknownEnvelopeTypeRejected(t *testing.T) {
	e := newTestEngine(t)
	b, _ := json.Marshal(EventEnvelope{Type: "payment.vanished", Data: []byte(`{}`)})
	if err := e.ProcessEnvelope(context.Background(), b); err == nil {
		t.Fatalf("unknown envelope type must error")
	}
}
