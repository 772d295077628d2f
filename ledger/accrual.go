/*
accrual.go - Whole-balance growth over elapsed days

ALGORITHM:
  d = floor((now - LastAccrualAt) / 24h)

  d == 0    -> nothing changes. Sub-day polling never accrues, so a client
               refreshing every minute ends up exactly where a client
               refreshing once a day does.
  compound  -> Balance × (1 + r)^d, factor computed once, balance rounded once
  simple    -> Balance + round(Balance × r × d)

  LastAccrualAt moves forward by d × 24h, not to now. The leftover fraction
  of a day is carried into the next call.

EXAMPLE:
  Balance 100.00, r = 0.08, d = 3, compound:
    100 × 1.08^3 = 125.9712 -> 125.97
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// factorScale bounds the precision of intermediate compounding factors.
// Far beyond cent precision for any realistic balance.
const factorScale int32 = 24

// Accrue applies policy growth to account for the whole days elapsed up to now.
// It returns the updated account and the amount credited.
func Accrue(account Account, now time.Time, policy Policy) (Account, decimal.Decimal, error) {
	if now.Before(account.LastAccrualAt) {
		return account, decimal.Zero, &ClockRegressionError{
			Now:    now,
			Stored: account.LastAccrualAt,
			Field:  "last_accrual_at",
		}
	}

	days := WholeDays(account.LastAccrualAt, now)
	if days == 0 {
		return account, decimal.Zero, nil
	}

	out := account.Clone()
	out.LastAccrualAt = account.LastAccrualAt.Add(time.Duration(days) * Day)

	var newBalance decimal.Decimal
	switch policy.AccrualMode {
	case AccrualCompound:
		newBalance = RoundCents(account.Balance.Mul(CompoundFactor(policy.DailyRate, days)))
	case AccrualSimple:
		growth := account.Balance.Mul(policy.DailyRate).Mul(decimal.NewFromInt(int64(days)))
		newBalance = account.Balance.Add(RoundCents(growth))
	default:
		newBalance = account.Balance
	}

	out.Balance = newBalance
	return out, newBalance.Sub(account.Balance), nil
}

// CompoundFactor returns (1 + rate)^days by repeated squaring.
func CompoundFactor(rate decimal.Decimal, days int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	base := result.Add(rate)
	for n := days; n > 0; n >>= 1 {
		if n&1 == 1 {
			result = result.Mul(base).Round(factorScale)
		}
		base = base.Mul(base).Round(factorScale)
	}
	return result
}
