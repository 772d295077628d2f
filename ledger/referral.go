package ledger

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERRAL CODES
// =============================================================================

const referralPrefix = "REF-"

var referralEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewReferralCode returns an opaque random code such as REF-K3ZQ7MBD2X.
// Codes carry no information about the account owner.
func NewReferralCode() (string, error) {
	buf := make([]byte, 7)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	return referralPrefix + referralEncoding.EncodeToString(buf)[:10], nil
}

// NormalizeReferralCode trims and upper-cases user input.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CheckImmutable rejects a write that changes a field fixed at creation.
func CheckImmutable(before, after Account) error {
	if before.ReferralCode != after.ReferralCode {
		return &ImmutableFieldError{AccountID: before.ID, Field: "referral_code", Old: before.ReferralCode, New: after.ReferralCode}
	}
	if before.ReferredBy != after.ReferredBy {
		return &ImmutableFieldError{AccountID: before.ID, Field: "referred_by", Old: before.ReferredBy, New: after.ReferredBy}
	}
	return nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// AccrueCommission appends a pending commission for purchase to referrer.
//
// The buyer must have been referred by referrer. Balance is not touched; the
// amount reaches the balance through WithdrawMaturedCommissions once
// maturity has elapsed. A purchase is commissioned at most once.
func AccrueCommission(referrer Account, buyer Account, purchase Purchase, rate decimal.Decimal, maturity time.Duration, now time.Time) (Account, Commission, error) {
	if buyer.ReferredBy == "" || buyer.ReferredBy != referrer.ReferralCode {
		return referrer, Commission{}, ErrReferralMismatch
	}
	if purchase.AccountID != buyer.ID {
		return referrer, Commission{}, fmt.Errorf("purchase %s does not belong to %s: %w", purchase.ID, buyer.ID, ErrReferralMismatch)
	}
	for _, c := range referrer.PendingCommissions {
		if c.SourcePurchaseID == purchase.ID {
			return referrer, Commission{}, ErrDuplicateCommission
		}
	}

	commission := Commission{
		Amount:           RoundCents(purchase.Principal.Mul(rate)),
		SourcePurchaseID: purchase.ID,
		SourceAccountID:  buyer.ID,
		AccruedAt:        now,
		MaturesAt:        now.Add(maturity),
	}

	out := referrer.Clone()
	out.PendingCommissions = append(out.PendingCommissions, commission)
	return out, commission, nil
}

// WithdrawMaturedCommissions pays every matured, unwithdrawn commission into
// the balance, oldest first. It returns the updated account, the total paid
// and the commissions paid in payout order.
func WithdrawMaturedCommissions(account Account, now time.Time) (Account, decimal.Decimal, []Commission) {
	out := account.Clone()
	total := decimal.Zero
	var paid []Commission

	for i := range out.PendingCommissions {
		c := &out.PendingCommissions[i]
		if !c.Withdrawable(now) {
			continue
		}
		at := now
		c.Withdrawn = true
		c.WithdrawnAt = &at
		total = total.Add(c.Amount)
		paid = append(paid, *c)
	}

	out.Balance = account.Balance.Add(total)
	return out, total, paid
}

// CommissionKey is the journal idempotency key of a commission accrual.
func CommissionKey(id PurchaseID) string {
	return fmt.Sprintf("commission:%s", id)
}
