package trust

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

// settleFixture walks a deal to the point where a settlement can be
// calculated: funded account, workflow at TRUST_OPEN, gateway read-model row
// in place.
func settleFixture(t *testing.T, e *Engine) *models.TrustAccount {
	t.Helper()
	ctx := context.Background()

	payment := seedSalePayment(t, e, models.SalePayment{
		CompanyId:        "co-1",
		PropertyId:       101,
		Amount:           dec(t, "100000"),
		CommissionAmount: dec(t, "5000"),
	})

	acct := mustCreateAccount(t, e, "co-1", 101, "100000")
	mustPostPayment(t, e, acct.ID, payment.ID, "100000")

	if _, err := e.TransitionWorkflow(ctx, acct.ID, models.WorkflowStateTrustOpen); err != nil {
		t.Fatalf("TransitionWorkflow: %v", err)
	}
	return reloadAccount(t, e, acct.ID)
}

func calcFixtureSettlement(t *testing.T, e *Engine, accountId int) *models.TrustSettlement {
	t.Helper()
	settlement, err := e.CalculateSettlement(context.Background(), SettlementInput{
		AccountId:           accountId,
		CgtRate:             dec(t, "0.20"),
		VatOnCommissionRate: dec(t, "0.155"),
	})
	if err != nil {
		t.Fatalf("CalculateSettlement: %v", err)
	}
	return settlement
}

func TestCalculateSettlementFromPayments(t *testing.T) {
	e := newTestEngine(t)
	acct := settleFixture(t, e)

	settlement := calcFixtureSettlement(t, e, acct.ID)
	if !settlement.SalePrice.Equal(dec(t, "100000")) {
		t.Fatalf("sale price = %s, want 100000 (derived from payments)", settlement.SalePrice)
	}
	if !settlement.NetPayout.Equal(dec(t, "74225")) {
		t.Fatalf("net payout = %s, want 74225", settlement.NetPayout)
	}

	total := settlement.NetPayout
	for _, line := range settlement.Deductions() {
		total = total.Add(line.Amount).Round(2)
	}
	if !total.Equal(settlement.SalePrice) {
		t.Fatalf("deductions + net = %s, want sale price %s", total, settlement.SalePrice)
	}

	summary, err := e.GetTaxSummary(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("GetTaxSummary: %v", err)
	}
	if !summary.TotalAssessed.Equal(dec(t, "20775")) {
		t.Fatalf("total assessed tax = %s, want 20775 (CGT 20000 + VAT 775)", summary.TotalAssessed)
	}

	// Recalculation upserts in place.
	again := calcFixtureSettlement(t, e, acct.ID)
	if again.ID != settlement.ID {
		t.Fatalf("recalculation created a second settlement row")
	}
	summary, _ = e.GetTaxSummary(context.Background(), acct.ID)
	if len(summary.Records) != 2 {
		t.Fatalf("tax records after recalculation = %d, want 2", len(summary.Records))
	}
}

func TestApplyTaxDeductionsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	acct := settleFixture(t, e)
	calcFixtureSettlement(t, e, acct.ID)

	posted, err := e.ApplyTaxDeductions(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("ApplyTaxDeductions: %v", err)
	}
	if len(posted) != 3 {
		t.Fatalf("posted %d deduction entries, want 3 (CGT, commission, VAT)", len(posted))
	}

	got := reloadAccount(t, e, acct.ID)
	if !got.RunningBalance.Equal(dec(t, "74225")) {
		t.Fatalf("balance after deductions = %s, want 74225", got.RunningBalance)
	}
	if got.WorkflowState != models.WorkflowStateTaxPending {
		t.Fatalf("workflow = %s, want TAX_PENDING", got.WorkflowState)
	}

	// Applying a second time finds nothing left to post.
	posted, err = e.ApplyTaxDeductions(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("ApplyTaxDeductions (second): %v", err)
	}
	if len(posted) != 0 {
		t.Fatalf("second application posted %d entries, want 0", len(posted))
	}
	if !reloadAccount(t, e, acct.ID).RunningBalance.Equal(dec(t, "74225")) {
		t.Fatalf("balance moved on idempotent re-application")
	}
}

func TestTransferExceedingNetPayoutRejected(t *testing.T) {
	e := newTestEngine(t)
	acct := settleFixture(t, e)
	calcFixtureSettlement(t, e, acct.ID)
	if _, err := e.ApplyTaxDeductions(context.Background(), acct.ID); err != nil {
		t.Fatalf("ApplyTaxDeductions: %v", err)
	}

	_, err := e.TransferToSeller(context.Background(), TransferInput{
		AccountId: acct.ID,
		Amount:    dec(t, "80000"),
	})
	if !errors.Is(err, ErrTransferExceedsNet) {
		t.Fatalf("err = %v, want ErrTransferExceedsNet", err)
	}

	// Partial transfers are fine until the cumulative total crosses the net.
	if _, err := e.TransferToSeller(context.Background(), TransferInput{AccountId: acct.ID, Amount: dec(t, "50000")}); err != nil {
		t.Fatalf("first partial transfer: %v", err)
	}
	if _, err := e.TransferToSeller(context.Background(), TransferInput{AccountId: acct.ID, Amount: dec(t, "30000")}); !errors.Is(err, ErrTransferExceedsNet) {
		t.Fatalf("cumulative overdraw err = %v, want ErrTransferExceedsNet", err)
	}
	if _, err := e.TransferToSeller(context.Background(), TransferInput{AccountId: acct.ID, Amount: dec(t, "24225")}); err != nil {
		t.Fatalf("transfer of exact remainder: %v", err)
	}
}

func TestFullSettlementLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	acct := settleFixture(t, e)
	calcFixtureSettlement(t, e, acct.ID)

	if _, err := e.ApplyTaxDeductions(ctx, acct.ID); err != nil {
		t.Fatalf("ApplyTaxDeductions: %v", err)
	}
	if _, err := e.TransferToSeller(ctx, TransferInput{AccountId: acct.ID, Amount: dec(t, "74225")}); err != nil {
		t.Fatalf("TransferToSeller: %v", err)
	}

	got := reloadAccount(t, e, acct.ID)
	if got.Status != models.TrustAccountStatusSettled {
		t.Fatalf("status = %s, want SETTLED", got.Status)
	}
	if got.WorkflowState != models.WorkflowStateTransferComplete {
		t.Fatalf("workflow = %s, want TRANSFER_COMPLETE", got.WorkflowState)
	}
	if !got.RunningBalance.IsZero() {
		t.Fatalf("balance = %s, want 0 after full settlement", got.RunningBalance)
	}

	closed, err := e.CloseTrustAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("CloseTrustAccount: %v", err)
	}
	if closed.Status != models.TrustAccountStatusClosed || closed.WorkflowState != models.WorkflowStateTrustClosed {
		t.Fatalf("closed account: status=%s workflow=%s", closed.Status, closed.WorkflowState)
	}
	if closed.ClosedAt == nil {
		t.Fatalf("closed account missing closed_at")
	}

	// Closure locks the settlement permanently.
	settlement, err := e.getSettlement(ctx, acct.ID)
	if err != nil {
		t.Fatalf("getSettlement: %v", err)
	}
	if !settlement.Locked {
		t.Fatalf("settlement not locked after closure")
	}
	if _, err := e.CalculateSettlement(ctx, SettlementInput{AccountId: acct.ID, CgtRate: dec(t, "0.20")}); !errors.Is(err, ErrAccountClosed) {
		t.Fatalf("recalculation on closed account err = %v, want ErrAccountClosed", err)
	}
}

func TestCloseRequiresZeroBalance(t *testing.T) {
	e := newTestEngine(t)
	acct := settleFixture(t, e)

	_, err := e.CloseTrustAccount(context.Background(), acct.ID)
	if !errors.Is(err, ErrNonZeroBalance) {
		t.Fatalf("err = %v, want ErrNonZeroBalance", err)
	}
	if reloadAccount(t, e, acct.ID).Status != models.TrustAccountStatusOpen {
		t.Fatalf("failed closure changed account status")
	}
}

func TestSettlementOverridesWhenNoPayments(t *testing.T) {
	e := newTestEngine(t)
	acct := mustCreateAccount(t, e, "co-9", 901, "50000")

	settlement, err := e.CalculateSettlement(context.Background(), SettlementInput{
		AccountId:          acct.ID,
		SalePriceOverride:  dec(t, "50000"),
		CommissionOverride: dec(t, "2500"),
		CgtRate:            dec(t, "0.10"),
	})
	if err != nil {
		t.Fatalf("CalculateSettlement: %v", err)
	}
	if !settlement.SalePrice.Equal(dec(t, "50000")) {
		t.Fatalf("sale price = %s, want override 50000", settlement.SalePrice)
	}
	if !settlement.NetPayout.Equal(dec(t, "42500")) {
		t.Fatalf("net payout = %s, want 42500", settlement.NetPayout)
	}
}
