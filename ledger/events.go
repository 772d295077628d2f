package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventAccountOpened       EventType = "account_opened"
	EventAccrued             EventType = "accrued"
	EventCheckedIn           EventType = "checked_in"
	EventPurchased           EventType = "purchased"
	EventYieldSettled        EventType = "yield_settled"
	EventCommissionAccrued   EventType = "commission_accrued"
	EventCommissionWithdrawn EventType = "commission_withdrawn"
)

// Event is published after a mutation commits.
type Event struct {
	Type        EventType       `json:"type"`
	AccountID   AccountID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Balance     decimal.Decimal `json:"balance"`
	ReferenceID string          `json:"reference_id,omitempty"`
	At          time.Time       `json:"at"`
}

// Publisher delivers events to interested parties. Delivery is best effort;
// a failure never rolls back the ledger write that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
