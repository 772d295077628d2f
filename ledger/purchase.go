/*
purchase.go - Product purchases and their daily yield

SETTLEMENT MODEL:
  Elapsed whole days are always counted from PurchasedAt and capped at
  ValidityDays. DaysSettled remembers how many of those days were already
  paid, so a settlement pays only the days that are new since the last one:

    elapsed  = min(floor((now - PurchasedAt) / 24h), ValidityDays)
    newly    = elapsed - DaysSettled
    credited = min(DailyYield × newly, YieldCap - TotalYieldPaid)

  Counting from PurchasedAt (instead of from the previous settlement
  instant) means irregular settlement times never lose or gain partial days.

EXAMPLE:
  DailyYield 2.00, ValidityDays 30, settled once a day for 35 days:
    days 1..30 pay 2.00 each, days 31..35 pay 0.00 -> 60.00 total
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidateProduct checks a catalog entry is usable for a purchase.
func ValidateProduct(p Product) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidProduct)
	case p.ValidityDays <= 0:
		return fmt.Errorf("%w: %s validity_days must be > 0", ErrInvalidProduct, p.ID)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: %s price must be >= 0", ErrInvalidProduct, p.ID)
	case p.DailyYield.IsNegative():
		return fmt.Errorf("%w: %s daily_yield must be >= 0", ErrInvalidProduct, p.ID)
	}
	return nil
}

// RegisterPurchase records product bought by account at now.
//
// With debit enabled the price comes out of the balance and a short balance
// fails with *InsufficientBalanceError. Without it the purchase is a plain
// record; the payment is confirmed elsewhere.
func RegisterPurchase(account Account, product Product, id PurchaseID, now time.Time, debit bool) (Account, Purchase, error) {
	if err := ValidateProduct(product); err != nil {
		return account, Purchase{}, err
	}

	out := account.Clone()
	if debit {
		if account.Balance.LessThan(product.Price) {
			return account, Purchase{}, &InsufficientBalanceError{
				AccountID: account.ID,
				Available: account.Balance,
				Requested: product.Price,
				Shortfall: product.Price.Sub(account.Balance),
			}
		}
		out.Balance = account.Balance.Sub(product.Price)
	}

	purchase := Purchase{
		ID:             id,
		AccountID:      account.ID,
		ProductID:      product.ID,
		Principal:      product.Price,
		DailyYield:     product.DailyYield,
		PurchasedAt:    now,
		ValidityDays:   product.ValidityDays,
		TotalYieldPaid: decimal.Zero,
	}
	return out, purchase, nil
}

// SettlePurchase pays the yield earned since the last settlement.
// Terminal purchases return themselves and a zero credit.
func SettlePurchase(purchase Purchase, now time.Time) (Purchase, decimal.Decimal, error) {
	if now.Before(purchase.PurchasedAt) {
		return purchase, decimal.Zero, &ClockRegressionError{
			Now:    now,
			Stored: purchase.PurchasedAt,
			Field:  "purchased_at",
		}
	}
	if purchase.IsTerminal() {
		return purchase, decimal.Zero, nil
	}

	elapsed := WholeDays(purchase.PurchasedAt, now)
	if elapsed > purchase.ValidityDays {
		elapsed = purchase.ValidityDays
	}
	newly := elapsed - purchase.DaysSettled
	if newly <= 0 {
		return purchase, decimal.Zero, nil
	}

	remaining := purchase.YieldCap().Sub(purchase.TotalYieldPaid)
	credited := decimal.Min(purchase.DailyYield.Mul(decimal.NewFromInt(int64(newly))), remaining)

	out := purchase
	out.DaysSettled = elapsed
	out.TotalYieldPaid = purchase.TotalYieldPaid.Add(credited)
	return out, credited, nil
}

// IsActive reports whether the purchase still earns yield at now.
func (p Purchase) IsActive(now time.Time) bool {
	return !p.IsTerminal() && now.Before(p.ExpiresAt())
}

// YieldKey is the journal idempotency key of one settlement step.
func YieldKey(id PurchaseID, daysSettled int) string {
	return fmt.Sprintf("yield:%s:%d", id, daysSettled)
}
