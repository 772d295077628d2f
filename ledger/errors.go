/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Expected business outcomes - already checked in, insufficient balance.
     Returned as values, never panics; no mutation has happened.
  2. Lookups - account, purchase, product, referrer missing.
  3. Integrity - immutable field change, duplicate journal key.

Store implementations return the lookup sentinels; anything else they return
is treated as an infrastructure failure and propagated unchanged.

USAGE:
  if errors.Is(err, ledger.ErrAlreadyCheckedIn) { ... }

  var insufficient *ledger.InsufficientBalanceError
  if errors.As(err, &insufficient) { ... insufficient.Shortfall ... }
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrClockRegression is returned when now precedes a stored timestamp.
	ErrClockRegression = errors.New("clock regression")

	// ErrAlreadyCheckedIn is returned for a second check-in on the same day.
	ErrAlreadyCheckedIn = errors.New("already checked in today")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrUnknownProduct   = errors.New("unknown product")
	ErrAccountNotFound  = errors.New("account not found")
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrReferrerNotFound = errors.New("referrer not found")

	// ErrImmutableField is returned when a write changes ReferralCode or ReferredBy.
	ErrImmutableField = errors.New("immutable field violation")

	// ErrDuplicateIdempotencyKey is returned by Journal.Append for a reused key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateCommission is returned when a purchase was already commissioned.
	ErrDuplicateCommission = errors.New("commission already accrued for purchase")

	// ErrReferralMismatch is returned when the buyer was not referred by the
	// account asked to receive the commission.
	ErrReferralMismatch = errors.New("buyer not referred by this account")

	ErrDuplicateAccount = errors.New("account already exists")

	// ErrVersionConflict is returned by PutAccount when the stored version is
	// not the one the write was computed from.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrInvalidProduct is returned for a malformed catalog entry.
	ErrInvalidProduct = errors.New("invalid product")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ClockRegressionError struct {
	Now    time.Time
	Stored time.Time
	Field  string
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("clock regression: now %s precedes %s %s",
		e.Now.Format(time.RFC3339), e.Field, e.Stored.Format(time.RFC3339))
}

func (e *ClockRegressionError) Unwrap() error { return ErrClockRegression }

type AlreadyCheckedInError struct {
	AccountID AccountID
	Date      Date
}

func (e *AlreadyCheckedInError) Error() string {
	return fmt.Sprintf("account %s already checked in on %s", e.AccountID, e.Date)
}

func (e *AlreadyCheckedInError) Unwrap() error { return ErrAlreadyCheckedIn }

type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(CentPlaces), e.Requested.StringFixed(CentPlaces), e.Shortfall.StringFixed(CentPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type UnknownProductError struct {
	ProductID ProductID
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product %q", e.ProductID)
}

func (e *UnknownProductError) Unwrap() error { return ErrUnknownProduct }

type ImmutableFieldError struct {
	AccountID AccountID
	Field     string
	Old       string
	New       string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("account %s: field %s is immutable (%q -> %q)", e.AccountID, e.Field, e.Old, e.New)
}

func (e *ImmutableFieldError) Unwrap() error { return ErrImmutableField }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is an expected business outcome.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyCheckedIn) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrImmutableField) ||
		errors.Is(err, ErrDuplicateCommission) ||
		errors.Is(err, ErrReferralMismatch) ||
		errors.Is(err, ErrClockRegression) ||
		errors.Is(err, ErrInvalidProduct)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPurchaseNotFound) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrReferrerNotFound)
}

// IsConflict returns true for duplicate or stale-write outcomes.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateAccount) ||
		errors.Is(err, ErrVersionConflict)
}
