/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract. Amounts always
  travel as fixed two-decimal strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers combining several DTOs

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: ProductJSON, reused for the catalog
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/aporte-ledger/ledger"
)

// =============================================================================
// AUTH
// =============================================================================

// RegisterRequest opens an account. ReferralCode is optional.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Token     string     `json:"token"`
	ExpiresAt string     `json:"expires_at"`
	Account   AccountDTO `json:"account"`
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountDTO struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Balance         string `json:"balance"`
	ReferralCode    string `json:"referral_code"`
	ReferredBy      string `json:"referred_by,omitempty"`
	LastCheckinDate string `json:"last_checkin_date,omitempty"`
	LastAccrualAt   string `json:"last_accrual_at"`
	CreatedAt       string `json:"created_at"`
}

type SummaryDTO struct {
	AccountID              string `json:"account_id"`
	Balance                string `json:"balance"`
	IncomeToday            string `json:"income_today"`
	TotalIncome            string `json:"total_income"`
	PendingCommissions     string `json:"pending_commissions"`
	WithdrawableCommission string `json:"withdrawable_commission"`
	ReferralCode           string `json:"referral_code"`
	LastCheckinDate        string `json:"last_checkin_date,omitempty"`
	AsOf                   string `json:"as_of"`
}

// RefreshResponse reports the accrual credited by a refresh.
type RefreshResponse struct {
	Credited string     `json:"credited"`
	Account  AccountDTO `json:"account"`
}

// =============================================================================
// PURCHASES & SETTLEMENT
// =============================================================================

type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

type PurchaseDTO struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Principal      string `json:"principal"`
	DailyYield     string `json:"daily_yield"`
	PurchasedAt    string `json:"purchased_at"`
	ExpiresAt      string `json:"expires_at"`
	ValidityDays   int    `json:"validity_days"`
	DaysSettled    int    `json:"days_settled"`
	TotalYieldPaid string `json:"total_yield_paid"`
	Terminal       bool   `json:"terminal"`
}

type PurchaseResponse struct {
	Purchase PurchaseDTO `json:"purchase"`
	Account  AccountDTO  `json:"account"`
	// Commission is set when the buyer was referred.
	Commission *CommissionDTO `json:"commission,omitempty"`
}

type SettlementResponse struct {
	Credited  string        `json:"credited"`
	Purchases []PurchaseDTO `json:"purchases"`
	Account   AccountDTO    `json:"account"`
}

// SettleAllResponse is returned by the admin settlement trigger.
type SettleAllResponse struct {
	Credited string `json:"credited"`
	Accounts int    `json:"accounts"`
}

// =============================================================================
// COMMISSIONS & JOURNAL
// =============================================================================

type CommissionDTO struct {
	Amount           string `json:"amount"`
	SourcePurchaseID string `json:"source_purchase_id"`
	SourceAccountID  string `json:"source_account_id"`
	AccruedAt        string `json:"accrued_at"`
	MaturesAt        string `json:"matures_at"`
	Withdrawn        bool   `json:"withdrawn"`
	WithdrawnAt      string `json:"withdrawn_at,omitempty"`
	Withdrawable     bool   `json:"withdrawable"`
}

type CommissionsResponse struct {
	Pending      string          `json:"pending"`
	Withdrawable string          `json:"withdrawable"`
	Commissions  []CommissionDTO `json:"commissions"`
}

type WithdrawResponse struct {
	Amount      string          `json:"amount"`
	Commissions []CommissionDTO `json:"commissions"`
	Account     AccountDTO      `json:"account"`
}

type EntryDTO struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Delta        string `json:"delta"`
	BalanceAfter string `json:"balance_after"`
	EffectiveAt  string `json:"effective_at"`
	ReferenceID  string `json:"reference_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(ledger.CentPlaces) }

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toAccountDTO(a ledger.Account) AccountDTO {
	dto := AccountDTO{
		ID:            string(a.ID),
		Email:         a.Email,
		Balance:       money(a.Balance),
		ReferralCode:  a.ReferralCode,
		ReferredBy:    a.ReferredBy,
		LastAccrualAt: timestamp(a.LastAccrualAt),
		CreatedAt:     timestamp(a.CreatedAt),
	}
	if a.LastCheckinDate != nil {
		dto.LastCheckinDate = a.LastCheckinDate.String()
	}
	return dto
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	dto := SummaryDTO{
		AccountID:              string(s.AccountID),
		Balance:                money(s.Balance),
		IncomeToday:            money(s.IncomeToday),
		TotalIncome:            money(s.TotalIncome),
		PendingCommissions:     money(s.PendingCommissions),
		WithdrawableCommission: money(s.WithdrawableCommission),
		ReferralCode:           s.ReferralCode,
		AsOf:                   timestamp(s.AsOf),
	}
	if s.LastCheckinDate != nil {
		dto.LastCheckinDate = s.LastCheckinDate.String()
	}
	return dto
}

func toPurchaseDTO(p ledger.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:             string(p.ID),
		ProductID:      string(p.ProductID),
		Principal:      money(p.Principal),
		DailyYield:     money(p.DailyYield),
		PurchasedAt:    timestamp(p.PurchasedAt),
		ExpiresAt:      timestamp(p.ExpiresAt()),
		ValidityDays:   p.ValidityDays,
		DaysSettled:    p.DaysSettled,
		TotalYieldPaid: money(p.TotalYieldPaid),
		Terminal:       p.IsTerminal(),
	}
}

func toPurchaseDTOs(ps []ledger.Purchase) []PurchaseDTO {
	out := make([]PurchaseDTO, len(ps))
	for i, p := range ps {
		out[i] = toPurchaseDTO(p)
	}
	return out
}

func toCommissionDTO(c ledger.Commission, now time.Time) CommissionDTO {
	dto := CommissionDTO{
		Amount:           money(c.Amount),
		SourcePurchaseID: string(c.SourcePurchaseID),
		SourceAccountID:  string(c.SourceAccountID),
		AccruedAt:        timestamp(c.AccruedAt),
		MaturesAt:        timestamp(c.MaturesAt),
		Withdrawn:        c.Withdrawn,
		Withdrawable:     c.Withdrawable(now),
	}
	if c.WithdrawnAt != nil {
		dto.WithdrawnAt = timestamp(*c.WithdrawnAt)
	}
	return dto
}

func toCommissionDTOs(cs []ledger.Commission, now time.Time) []CommissionDTO {
	out := make([]CommissionDTO, len(cs))
	for i, c := range cs {
		out[i] = toCommissionDTO(c, now)
	}
	return out
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{
			ID:           string(e.ID),
			Type:         string(e.Type),
			Delta:        money(e.Delta),
			BalanceAfter: money(e.BalanceAfter),
			EffectiveAt:  timestamp(e.EffectiveAt),
			ReferenceID:  e.ReferenceID,
			Reason:       e.Reason,
		}
	}
	return out
}
