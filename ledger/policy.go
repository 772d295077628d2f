package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL MODE
// =============================================================================

type AccrualMode string

const (
	// AccrualNone disables whole-balance growth. Purchases and check-ins still pay.
	AccrualNone AccrualMode = "none"
	// AccrualSimple adds balance × rate × days.
	AccrualSimple AccrualMode = "simple"
	// AccrualCompound multiplies the balance by (1 + rate)^days.
	AccrualCompound AccrualMode = "compound"
)

func (m AccrualMode) Valid() bool {
	switch m {
	case AccrualNone, AccrualSimple, AccrualCompound:
		return true
	}
	return false
}

// =============================================================================
// POLICY - deployment-wide ledger rules
// =============================================================================

// Policy bundles the rules a deployment runs with. The three credit
// mechanisms (check-in bonus, per-purchase yield, whole-balance accrual) are
// independent; a deployment enables the ones it wants.
type Policy struct {
	AccrualMode AccrualMode
	DailyRate   decimal.Decimal

	SignupBonus  decimal.Decimal
	CheckinBonus decimal.Decimal

	ReferralRate     decimal.Decimal
	ReferralMaturity time.Duration

	// DebitOnPurchase takes the product price from the balance at purchase
	// time. When false, payment is confirmed outside the ledger.
	DebitOnPurchase bool
}

// DefaultPolicy mirrors the values the product launched with.
func DefaultPolicy() Policy {
	return Policy{
		AccrualMode:      AccrualNone,
		DailyRate:        decimal.Zero,
		SignupBonus:      MustAmount("5.00"),
		CheckinBonus:     MustAmount("1.00"),
		ReferralRate:     MustAmount("0.20"),
		ReferralMaturity: 20 * Day,
		DebitOnPurchase:  false,
	}
}

// Validate rejects configurations the engine cannot honour.
func (p Policy) Validate() error {
	if !p.AccrualMode.Valid() {
		return fmt.Errorf("invalid accrual mode %q", p.AccrualMode)
	}
	if p.DailyRate.IsNegative() {
		return fmt.Errorf("daily rate must be >= 0, got %s", p.DailyRate)
	}
	if p.AccrualMode != AccrualNone && p.DailyRate.IsZero() {
		return fmt.Errorf("accrual mode %q needs a positive daily rate", p.AccrualMode)
	}
	if p.SignupBonus.IsNegative() || p.CheckinBonus.IsNegative() {
		return fmt.Errorf("bonuses must be >= 0")
	}
	if p.ReferralRate.IsNegative() || p.ReferralRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("referral rate must be within [0, 1], got %s", p.ReferralRate)
	}
	if p.ReferralMaturity < 0 {
		return fmt.Errorf("referral maturity must be >= 0, got %s", p.ReferralMaturity)
	}
	return nil
}
