package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Checkin credits bonus once per calendar day.
//
// INVARIANT: at most one credit per (account, UTC date). A repeat on the same
// day returns *AlreadyCheckedInError and the account untouched. The service
// additionally journals the credit under CheckinKey so that the invariant
// survives two processes racing on the same account.
func Checkin(account Account, today Date, bonus decimal.Decimal) (Account, error) {
	if last := account.LastCheckinDate; last != nil {
		if last.Equal(today) {
			return account, &AlreadyCheckedInError{AccountID: account.ID, Date: today}
		}
		if today.Before(*last) {
			return account, &ClockRegressionError{
				Now:    today.Time(),
				Stored: last.Time(),
				Field:  "last_checkin_date",
			}
		}
	}

	out := account.Clone()
	out.Balance = account.Balance.Add(bonus)
	d := today
	out.LastCheckinDate = &d
	return out, nil
}

// CheckinKey is the journal idempotency key of a check-in.
func CheckinKey(id AccountID, day Date) string {
	return fmt.Sprintf("checkin:%s:%s", id, day)
}
