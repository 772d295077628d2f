/*
Package factory provides JSON to Go conversion for the ledger policy and the
product catalog.

PURPOSE:
  Operators tune bonuses, rates and products without code changes. The
  factory turns JSON (from env-derived config, a catalog file or the admin
  API) into validated ledger.Policy and ledger.Product values. Amounts are
  decimal strings so no value ever passes through a float.

POLICY JSON:
  {
    "accrual_mode": "compound",
    "daily_rate": "0.01",
    "signup_bonus": "5.00",
    "checkin_bonus": "1.00",
    "referral_rate": "0.20",
    "referral_maturity_days": 20,
    "debit_on_purchase": false
  }
  Missing fields keep the ledger.DefaultPolicy value.

CATALOG JSON:
  [
    {"id": "basic-30", "name": "Basic", "price": "60.00",
     "daily_yield": "2.00", "validity_days": 30, "total_yield": "60.00"}
  ]
  total_yield is optional; when given it must equal daily_yield × validity_days.

SEE ALSO:
  - ledger/policy.go: Policy type and validation
  - config/config.go: env settings feeding PolicyJSON
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/aporte-ledger/ledger"
)

// =============================================================================
// POLICY
// =============================================================================

// PolicyJSON is the JSON representation of a ledger policy.
type PolicyJSON struct {
	AccrualMode          string `json:"accrual_mode,omitempty"`
	DailyRate            string `json:"daily_rate,omitempty"`
	SignupBonus          string `json:"signup_bonus,omitempty"`
	CheckinBonus         string `json:"checkin_bonus,omitempty"`
	ReferralRate         string `json:"referral_rate,omitempty"`
	ReferralMaturityDays *int   `json:"referral_maturity_days,omitempty"`
	DebitOnPurchase      bool   `json:"debit_on_purchase,omitempty"`
}

// ParsePolicy decodes and builds a policy from JSON.
func ParsePolicy(data []byte) (ledger.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return ledger.Policy{}, fmt.Errorf("invalid policy JSON: %w", err)
	}
	return BuildPolicy(pj)
}

// BuildPolicy overlays pj on ledger.DefaultPolicy and validates the result.
func BuildPolicy(pj PolicyJSON) (ledger.Policy, error) {
	p := ledger.DefaultPolicy()

	if pj.AccrualMode != "" {
		p.AccrualMode = ledger.AccrualMode(pj.AccrualMode)
	}
	fields := []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"daily_rate", pj.DailyRate, &p.DailyRate},
		{"signup_bonus", pj.SignupBonus, &p.SignupBonus},
		{"checkin_bonus", pj.CheckinBonus, &p.CheckinBonus},
		{"referral_rate", pj.ReferralRate, &p.ReferralRate},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return ledger.Policy{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = d
	}
	if pj.ReferralMaturityDays != nil {
		if *pj.ReferralMaturityDays < 0 {
			return ledger.Policy{}, fmt.Errorf("referral_maturity_days must be >= 0")
		}
		p.ReferralMaturity = time.Duration(*pj.ReferralMaturityDays) * ledger.Day
	}
	p.DebitOnPurchase = pj.DebitOnPurchase

	if err := p.Validate(); err != nil {
		return ledger.Policy{}, err
	}
	return p, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// ProductJSON is the JSON representation of a catalog entry.
type ProductJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	DailyYield   string `json:"daily_yield"`
	ValidityDays int    `json:"validity_days"`
	TotalYield   string `json:"total_yield,omitempty"`
}

// ToProduct converts and validates one entry.
func (pj ProductJSON) ToProduct() (ledger.Product, error) {
	price, err := decimal.NewFromString(pj.Price)
	if err != nil {
		return ledger.Product{}, fmt.Errorf("product %s price: %w", pj.ID, err)
	}
	daily, err := decimal.NewFromString(pj.DailyYield)
	if err != nil {
		return ledger.Product{}, fmt.Errorf("product %s daily_yield: %w", pj.ID, err)
	}
	p := ledger.Product{
		ID:           ledger.ProductID(pj.ID),
		Name:         pj.Name,
		Price:        price,
		DailyYield:   daily,
		ValidityDays: pj.ValidityDays,
	}
	if err := ledger.ValidateProduct(p); err != nil {
		return ledger.Product{}, err
	}
	if pj.TotalYield != "" {
		total, err := decimal.NewFromString(pj.TotalYield)
		if err != nil {
			return ledger.Product{}, fmt.Errorf("product %s total_yield: %w", pj.ID, err)
		}
		if !total.Equal(p.TotalYield()) {
			return ledger.Product{}, fmt.Errorf("%w: %s total_yield %s != daily_yield × validity_days = %s",
				ledger.ErrInvalidProduct, pj.ID, total, p.TotalYield())
		}
	}
	return p, nil
}

// FromProduct is the inverse of ToProduct, used by the API.
func FromProduct(p ledger.Product) ProductJSON {
	return ProductJSON{
		ID:           string(p.ID),
		Name:         p.Name,
		Price:        p.Price.StringFixed(ledger.CentPlaces),
		DailyYield:   p.DailyYield.StringFixed(ledger.CentPlaces),
		ValidityDays: p.ValidityDays,
		TotalYield:   p.TotalYield().StringFixed(ledger.CentPlaces),
	}
}

// ParseCatalog decodes a JSON array of products. Duplicate ids are rejected.
func ParseCatalog(data []byte) ([]ledger.Product, error) {
	var entries []ProductJSON
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("invalid catalog JSON: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	products := make([]ledger.Product, 0, len(entries))
	for _, e := range entries {
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s", ledger.ErrInvalidProduct, e.ID)
		}
		seen[e.ID] = true
		p, err := e.ToProduct()
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

// LoadCatalog reads path, or returns DefaultCatalogJSON when path is empty.
func LoadCatalog(path string) ([]ledger.Product, error) {
	if path == "" {
		return ParseCatalog([]byte(DefaultCatalogJSON))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalogJSON seeds a fresh installation.
const DefaultCatalogJSON = `[
  {"id": "starter-10", "name": "Starter", "price": "30.00", "daily_yield": "1.50", "validity_days": 10},
  {"id": "basic-30", "name": "Basic", "price": "60.00", "daily_yield": "2.00", "validity_days": 30},
  {"id": "plus-45", "name": "Plus", "price": "200.00", "daily_yield": "6.00", "validity_days": 45},
  {"id": "premium-60", "name": "Premium", "price": "500.00", "daily_yield": "14.00", "validity_days": 60}
]`
