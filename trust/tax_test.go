package trust

import (
	"testing"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

func TestComputeTaxStandardSale(t *testing.T) {
	got := ComputeTax(TaxInput{
		SalePrice:           dec(t, "100000"),
		Commission:          dec(t, "5000"),
		CgtRate:             dec(t, "0.20"),
		VatOnCommissionRate: dec(t, "0.155"),
	})

	if !got.Cgt.Equal(dec(t, "20000")) {
		t.Fatalf("cgt = %s, want 20000", got.Cgt)
	}
	if !got.VatOnSale.IsZero() {
		t.Fatalf("vat on sale = %s, want 0", got.VatOnSale)
	}
	if !got.VatOnCommission.Equal(dec(t, "775")) {
		t.Fatalf("vat on commission = %s, want 775", got.VatOnCommission)
	}
	if !got.NetPayout.Equal(dec(t, "74225")) {
		t.Fatalf("net payout = %s, want 74225", got.NetPayout)
	}

	wantOrder := []models.TrustTransactionType{
		models.TransactionTypeCgtDeduction,
		models.TransactionTypeCommissionDeduction,
		models.TransactionTypeVatOnCommission,
	}
	if len(got.Deductions) != len(wantOrder) {
		t.Fatalf("deduction lines = %d, want %d", len(got.Deductions), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got.Deductions[i].Type != want {
			t.Fatalf("deduction[%d] = %s, want %s", i, got.Deductions[i].Type, want)
		}
	}
}

func TestComputeTaxVatOnSale(t *testing.T) {
	got := ComputeTax(TaxInput{
		SalePrice:           dec(t, "100000"),
		Commission:          dec(t, "5000"),
		CgtRate:             dec(t, "0.20"),
		VatSaleRate:         dec(t, "0.05"),
		VatOnCommissionRate: dec(t, "0.155"),
		ApplyVatOnSale:      true,
	})
	if !got.VatOnSale.Equal(dec(t, "5000")) {
		t.Fatalf("vat on sale = %s, want 5000", got.VatOnSale)
	}
	if !got.NetPayout.Equal(dec(t, "69225")) {
		t.Fatalf("net payout = %s, want 69225", got.NetPayout)
	}
}

func TestComputeTaxDerivedVatOverridesRate(t *testing.T) {
	got := ComputeTax(TaxInput{
		SalePrice:              dec(t, "100000"),
		Commission:             dec(t, "5000"),
		VatOnCommissionRate:    dec(t, "0.155"),
		DerivedVatOnCommission: dec(t, "800.50"),
	})
	if !got.VatOnCommission.Equal(dec(t, "800.50")) {
		t.Fatalf("vat on commission = %s, want derived 800.50", got.VatOnCommission)
	}
}

func TestComputeTaxNetPayoutFloorsAtZero(t *testing.T) {
	got := ComputeTax(TaxInput{
		SalePrice:  dec(t, "1000"),
		Commission: dec(t, "500"),
		CgtRate:    dec(t, "0.90"),
	})
	if !got.NetPayout.IsZero() {
		t.Fatalf("net payout = %s, want 0", got.NetPayout)
	}
}

func TestComputeTaxRoundsToCents(t *testing.T) {
	in := TaxInput{
		SalePrice:           dec(t, "99999.99"),
		Commission:          dec(t, "3333.33"),
		CgtRate:             dec(t, "0.175"),
		VatOnCommissionRate: dec(t, "0.155"),
	}
	first := ComputeTax(in)
	second := ComputeTax(in)

	if first.Cgt.Exponent() < -2 || first.VatOnCommission.Exponent() < -2 || first.NetPayout.Exponent() < -2 {
		t.Fatalf("breakdown carries sub-cent precision: %+v", first)
	}
	if !first.NetPayout.Equal(second.NetPayout) || !first.Cgt.Equal(second.Cgt) {
		t.Fatalf("repeated computation disagrees: %s vs %s", first.NetPayout, second.NetPayout)
	}

	total := first.Cgt.Add(first.Commission).Add(first.VatOnSale).Add(first.VatOnCommission).Add(first.NetPayout)
	if !total.Equal(first.SalePrice) {
		t.Fatalf("deductions + net = %s, want sale price %s", total, first.SalePrice)
	}
}
