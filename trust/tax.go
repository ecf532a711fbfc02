package trust

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

// TaxInput feeds the pure settlement computation. DerivedVatOnCommission is
// the VAT figure summed from gateway payments; when positive it wins over the
// rate-based calculation.
type TaxInput struct {
	SalePrice  decimal.Decimal
	Commission decimal.Decimal

	CgtRate             decimal.Decimal
	VatSaleRate         decimal.Decimal
	VatOnCommissionRate decimal.Decimal

	ApplyVatOnSale         bool
	DerivedVatOnCommission decimal.Decimal
}

// TaxBreakdown is the computed settlement split. Deductions are ordered CGT,
// commission, VAT on sale, VAT on commission, with zero lines omitted.
type TaxBreakdown struct {
	SalePrice       decimal.Decimal
	Cgt             decimal.Decimal
	Commission      decimal.Decimal
	VatOnSale       decimal.Decimal
	VatOnCommission decimal.Decimal
	NetPayout       decimal.Decimal
	Deductions      []models.SettlementDeduction
}

// ComputeTax is a pure function. Every intermediate figure is rounded to two
// decimals; repeated calculations must land on identical cents, otherwise
// reconciliation comparisons would manufacture false mismatches.
func ComputeTax(in TaxInput) TaxBreakdown {
	salePrice := in.SalePrice.Round(2)
	commission := in.Commission.Round(2)

	cgt := salePrice.Mul(in.CgtRate).Round(2)

	vatOnSale := decimal.Zero
	if in.ApplyVatOnSale {
		vatOnSale = salePrice.Mul(in.VatSaleRate).Round(2)
	}

	vatOnCommission := in.DerivedVatOnCommission.Round(2)
	if !vatOnCommission.IsPositive() {
		vatOnCommission = commission.Mul(in.VatOnCommissionRate).Round(2)
	}

	totalDeductions := cgt.Add(commission).Add(vatOnSale).Add(vatOnCommission).Round(2)
	netPayout := salePrice.Sub(totalDeductions).Round(2)
	if netPayout.IsNegative() {
		netPayout = decimal.Zero
	}

	breakdown := TaxBreakdown{
		SalePrice:       salePrice,
		Cgt:             cgt,
		Commission:      commission,
		VatOnSale:       vatOnSale,
		VatOnCommission: vatOnCommission,
		NetPayout:       netPayout,
	}

	appendLine := func(t models.TrustTransactionType, amount decimal.Decimal) {
		if amount.IsPositive() {
			breakdown.Deductions = append(breakdown.Deductions, models.SettlementDeduction{Type: t, Amount: amount})
		}
	}
	appendLine(models.TransactionTypeCgtDeduction, cgt)
	appendLine(models.TransactionTypeCommissionDeduction, commission)
	appendLine(models.TransactionTypeVatDeduction, vatOnSale)
	appendLine(models.TransactionTypeVatOnCommission, vatOnCommission)

	return breakdown
}
