package trust

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

func TestReconciliationRepairsMissingPosting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	payment := seedSalePayment(t, e, models.SalePayment{
		CompanyId:  "co-1",
		PropertyId: 101,
		Amount:     dec(t, "30000"),
		Reference:  "missed deposit",
	})

	run, err := e.RunReconciliation(ctx, "co-1")
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if run.PaymentsChecked != 1 || run.MissingPostings != 1 {
		t.Fatalf("checked=%d missing=%d, want 1/1", run.PaymentsChecked, run.MissingPostings)
	}
	if run.AutoRepairs == 0 {
		t.Fatalf("missing posting was not auto-repaired")
	}

	var entry models.TrustTransaction
	if err := e.db.Where("source_payment_id = ?", payment.ID).First(&entry).Error; err != nil {
		t.Fatalf("re-emitted ledger entry missing: %v", err)
	}
	if !entry.Credit.Equal(dec(t, "30000")) {
		t.Fatalf("re-emitted credit = %s, want 30000", entry.Credit)
	}

	// A second run finds a consistent book: the repair itself was idempotent.
	again, err := e.RunReconciliation(ctx, "co-1")
	if err != nil {
		t.Fatalf("second RunReconciliation: %v", err)
	}
	if again.MissingPostings != 0 || again.BalanceMismatches != 0 {
		t.Fatalf("second run missing=%d mismatches=%d, want 0/0", again.MissingPostings, again.BalanceMismatches)
	}
}

func TestReconciliationRepairsBalanceDrift(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	acct := mustCreateAccount(t, e, "co-1", 101, "100000")
	mustPostPayment(t, e, acct.ID, 5001, "30000")

	// Simulate drift on the summary row; the ledger stays the truth.
	if err := e.db.Model(&models.TrustAccount{}).
		Where("id = ?", acct.ID).
		Update("running_balance", dec(t, "99999")).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	run, err := e.RunReconciliation(ctx, "co-1")
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if run.BalanceMismatches != 1 || run.AutoRepairs != 1 {
		t.Fatalf("mismatches=%d repairs=%d, want 1/1", run.BalanceMismatches, run.AutoRepairs)
	}

	got := reloadAccount(t, e, acct.ID)
	if !got.RunningBalance.Equal(dec(t, "30000")) {
		t.Fatalf("repaired balance = %s, want 30000 from ledger", got.RunningBalance)
	}

	logs, err := e.GetAuditLogs(ctx, auditEntityAccount, acct.ID, 20, 0)
	if err != nil {
		t.Fatalf("GetAuditLogs: %v", err)
	}
	var repaired bool
	for _, entry := range logs {
		if entry.Action == auditActionRepaired {
			repaired = true
		}
	}
	if !repaired {
		t.Fatalf("no BALANCE_REPAIRED audit entry")
	}
}

func TestReconciliationFlagsClosedAccount(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	acct := mustCreateAccount(t, e, "co-1", 101, "0")
	if _, err := e.CloseTrustAccount(ctx, acct.ID); err != nil {
		t.Fatalf("CloseTrustAccount: %v", err)
	}
	if err := e.db.Model(&models.TrustAccount{}).
		Where("id = ?", acct.ID).
		Update("running_balance", dec(t, "500")).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	run, err := e.RunReconciliation(ctx, "co-1")
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if run.Flagged != 1 {
		t.Fatalf("flagged = %d, want 1", run.Flagged)
	}
	if run.AutoRepairs != 0 {
		t.Fatalf("closed accounts must never be auto-repaired")
	}

	// The corrupted value stays put for the manual review.
	if !reloadAccount(t, e, acct.ID).RunningBalance.Equal(dec(t, "500")) {
		t.Fatalf("closed account was modified by reconciliation")
	}
}

func TestReconciliationSnapshot(t *testing.T) {
	e := newTestEngineWithRedis(t)
	ctx := context.Background()

	acct := mustCreateAccount(t, e, "co-1", 101, "100000")
	mustPostPayment(t, e, acct.ID, 5001, "30000")

	run, err := e.RunReconciliation(ctx, "co-1")
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}

	snapshot, err := e.GetReconciliationSnapshot(ctx, "co-1")
	if err != nil {
		t.Fatalf("GetReconciliationSnapshot: %v", err)
	}
	if snapshot.ID != run.ID || snapshot.AccountsChecked != run.AccountsChecked {
		t.Fatalf("snapshot %+v does not match run %+v", snapshot, run)
	}

	// Without Redis the DB row backs the same lookup.
	plain := NewEngine(Options{DB: e.db, Logger: newTestLogger(), TxSupported: true})
	snapshot, err = plain.GetReconciliationSnapshot(ctx, "co-1")
	if err != nil {
		t.Fatalf("DB-backed snapshot: %v", err)
	}
	if snapshot.ID != run.ID {
		t.Fatalf("DB snapshot id = %d, want %d", snapshot.ID, run.ID)
	}
}
