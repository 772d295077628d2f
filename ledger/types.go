/*
Package ledger provides the balance accrual and ledger engine.

PURPOSE:
  This package owns every rule that moves money on an account: time-based
  growth of the stored balance, the once-per-day check-in credit, yield paid
  out by purchased products, and referral commissions that must mature
  before they can be withdrawn.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:    The balance holder (one per registered user)
  - Purchase:   A product bought by an account, paying a daily yield
  - Commission: A referral reward waiting for its maturity date
  - Product:    Read-only catalog entry
  - Entry:      Append-only journal record of a balance movement

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, rounded to cents half-up
  2. Pure engines: Accrue, Checkin, SettlePurchase, AccrueCommission take a
     value and return a new value; only Service talks to the Store
  3. Auditability: every balance change is journaled with an idempotency key

SEE ALSO:
  - accrual.go:  Whole-balance growth
  - checkin.go:  Day-keyed bonus
  - purchase.go: Product yield schedule
  - referral.go: Commission accrual and withdrawal
  - service.go:  Orchestration, locking, persistence
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CentPlaces is the display and storage precision of every amount.
const CentPlaces int32 = 2

// RoundCents rounds to two decimals, half away from zero. For the
// non-negative amounts this package produces that is round-half-up.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentPlaces)
}

// MustAmount parses a decimal literal and panics on malformed input.
// Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type PurchaseID string
type ProductID string
type EntryID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is the stored balance of one user.
//
// ReferralCode and ReferredBy are fixed when the account is opened; see
// CheckImmutable.
type Account struct {
	ID              AccountID
	Email           string
	Balance         decimal.Decimal
	LastAccrualAt   time.Time
	LastCheckinDate *Date
	ReferralCode    string
	ReferredBy      string
	// Insertion order is accrual order and also payout order.
	PendingCommissions []Commission
	CreatedAt          time.Time
	Version            int64
}

// Clone returns a deep copy so engines never alias the caller's slices.
func (a Account) Clone() Account {
	out := a
	if a.LastCheckinDate != nil {
		d := *a.LastCheckinDate
		out.LastCheckinDate = &d
	}
	if a.PendingCommissions != nil {
		out.PendingCommissions = append([]Commission(nil), a.PendingCommissions...)
	}
	return out
}

// PendingTotal sums commissions not yet withdrawn.
func (a Account) PendingTotal() decimal.Decimal {
	total := decimal.Zero
	for _, c := range a.PendingCommissions {
		if !c.Withdrawn {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// WithdrawableTotal sums commissions that are matured at now and not yet withdrawn.
func (a Account) WithdrawableTotal(now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, c := range a.PendingCommissions {
		if c.Withdrawable(now) {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// =============================================================================
// PRODUCT & PURCHASE
// =============================================================================

// Product is a catalog entry. Never mutated by the engine.
type Product struct {
	ID           ProductID
	Name         string
	Price        decimal.Decimal
	DailyYield   decimal.Decimal
	ValidityDays int
}

// TotalYield is what the product pays over its whole validity.
func (p Product) TotalYield() decimal.Decimal {
	return p.DailyYield.Mul(decimal.NewFromInt(int64(p.ValidityDays)))
}

// Purchase records one product bought by an account.
type Purchase struct {
	ID             PurchaseID
	AccountID      AccountID
	ProductID      ProductID
	Principal      decimal.Decimal
	DailyYield     decimal.Decimal
	PurchasedAt    time.Time
	ValidityDays   int
	DaysSettled    int
	TotalYieldPaid decimal.Decimal
}

// YieldCap is DailyYield × ValidityDays, the most a purchase can ever pay.
func (p Purchase) YieldCap() decimal.Decimal {
	return p.DailyYield.Mul(decimal.NewFromInt(int64(p.ValidityDays)))
}

// IsTerminal reports whether the purchase has paid its full yield.
func (p Purchase) IsTerminal() bool {
	return !p.TotalYieldPaid.LessThan(p.YieldCap())
}

// ExpiresAt is the instant the last day of yield is earned.
func (p Purchase) ExpiresAt() time.Time {
	return p.PurchasedAt.Add(time.Duration(p.ValidityDays) * Day)
}

// =============================================================================
// COMMISSION
// =============================================================================

type Commission struct {
	Amount           decimal.Decimal
	SourcePurchaseID PurchaseID
	SourceAccountID  AccountID
	AccruedAt        time.Time
	MaturesAt        time.Time
	Withdrawn        bool
	WithdrawnAt      *time.Time
}

// Withdrawable reports whether the commission can be paid out at now.
func (c Commission) Withdrawable(now time.Time) bool {
	return !c.Withdrawn && !now.Before(c.MaturesAt)
}

// =============================================================================
// JOURNAL ENTRY
// =============================================================================

type EntryType string

const (
	EntrySignupBonus         EntryType = "signup_bonus"
	EntryAccrual             EntryType = "accrual"
	EntryCheckin             EntryType = "checkin"
	EntryPurchaseDebit       EntryType = "purchase_debit"
	EntryYield               EntryType = "yield"
	EntryCommissionAccrued   EntryType = "commission_accrued" // Delta is zero; balance moves on withdrawal
	EntryCommissionWithdrawn EntryType = "commission_withdrawn"
)

// Entry is an append-only record of one balance movement.
// Entries are never edited; the account balance is the mutation surface and
// the journal explains how it got there.
type Entry struct {
	ID             EntryID
	AccountID      AccountID
	Type           EntryType
	Delta          decimal.Decimal
	BalanceAfter   decimal.Decimal
	EffectiveAt    time.Time
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary is the wallet view shown to a user.
type Summary struct {
	AccountID AccountID
	Balance   decimal.Decimal
	// IncomeToday sums the daily yield of purchases still paying out.
	IncomeToday decimal.Decimal
	// TotalIncome sums the yield paid so far across all purchases.
	TotalIncome            decimal.Decimal
	PendingCommissions     decimal.Decimal
	WithdrawableCommission decimal.Decimal
	ReferralCode           string
	LastCheckinDate        *Date
	AsOf                   time.Time
}
