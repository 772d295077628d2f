package ledger_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/aporte-ledger/ledger"
)

// =============================================================================
// CHECK-IN
// =============================================================================

func TestCheckin_TwiceSameDay(t *testing.T) {
	// GIVEN: balance 5.00
	// WHEN: checking in twice on the same date
	// THEN: first +1.00, second AlreadyCheckedInError with balance unchanged

	today := ledger.NewDate(2025, time.March, 1)
	bonus := amount("1.00")

	first, err := ledger.Checkin(account("5.00"), today, bonus)
	require.NoError(t, err)
	assertAmount(t, "6.00", first.Balance)
	require.NotNil(t, first.LastCheckinDate)
	assert.Equal(t, today, *first.LastCheckinDate)

	second, err := ledger.Checkin(first, today, bonus)
	require.Error(t, err)
	var already *ledger.AlreadyCheckedInError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, today, already.Date)
	assertAmount(t, "6.00", second.Balance)
}

func TestCheckin_NextDayAllowed(t *testing.T) {
	day1 := ledger.NewDate(2025, time.March, 1)
	bonus := amount("1.00")

	a, err := ledger.Checkin(account("5.00"), day1, bonus)
	require.NoError(t, err)
	a, err = ledger.Checkin(a, day1.AddDays(1), bonus)
	require.NoError(t, err)

	assertAmount(t, "7.00", a.Balance)
	assert.Equal(t, "2025-03-02", a.LastCheckinDate.String())
}

func TestCheckin_DoesNotAliasInput(t *testing.T) {
	start := account("5.00")
	_, err := ledger.Checkin(start, ledger.NewDate(2025, time.March, 1), amount("1.00"))
	require.NoError(t, err)
	assert.Nil(t, start.LastCheckinDate)
	assertAmount(t, "5.00", start.Balance)
}

func TestCheckin_EarlierDateIsRegression(t *testing.T) {
	a, err := ledger.Checkin(account("5.00"), ledger.NewDate(2025, time.March, 10), amount("1.00"))
	require.NoError(t, err)

	_, err = ledger.Checkin(a, ledger.NewDate(2025, time.March, 9), amount("1.00"))
	assert.True(t, errors.Is(err, ledger.ErrClockRegression))
}

func TestDateOf_UsesUTC(t *testing.T) {
	saoPaulo := time.FixedZone("BRT", -3*60*60)
	// 22:30 local on March 1 is already March 2 in UTC.
	local := time.Date(2025, time.March, 1, 22, 30, 0, 0, saoPaulo)
	assert.Equal(t, "2025-03-02", ledger.DateOf(local).String())
}

// =============================================================================
// PURCHASE / YIELD
// =============================================================================

func product30() ledger.Product {
	return ledger.Product{
		ID:           "basic-30",
		Name:         "Basic",
		Price:        amount("60.00"),
		DailyYield:   amount("2.00"),
		ValidityDays: 30,
	}
}

func TestSettlePurchase_DailyFor35Days_CapsAt60(t *testing.T) {
	_, p, err := ledger.RegisterPurchase(account("0.00"), product30(), "p-1", epoch, false)
	require.NoError(t, err)

	total := amount("0")
	for day := 1; day <= 35; day++ {
		var credited = amount("0")
		p, credited, err = ledger.SettlePurchase(p, epoch.Add(days(float64(day))))
		require.NoError(t, err)
		total = total.Add(credited)
		if day > 30 {
			assert.True(t, credited.IsZero(), "day %d must not pay", day)
		}
	}

	assertAmount(t, "60.00", total)
	assertAmount(t, "60.00", p.TotalYieldPaid)
	assert.Equal(t, 30, p.DaysSettled)
	assert.True(t, p.IsTerminal())
}

func TestSettlePurchase_FarBeyondExpiry_SingleCall(t *testing.T) {
	_, p, err := ledger.RegisterPurchase(account("0.00"), product30(), "p-1", epoch, false)
	require.NoError(t, err)

	p, credited, err := ledger.SettlePurchase(p, epoch.Add(days(3650)))
	require.NoError(t, err)
	assertAmount(t, "60.00", credited)

	p, credited, err = ledger.SettlePurchase(p, epoch.Add(days(9999)))
	require.NoError(t, err)
	assert.True(t, credited.IsZero())
	assertAmount(t, "60.00", p.TotalYieldPaid)
}

func TestSettlePurchase_IrregularCallsNeverLoseDays(t *testing.T) {
	_, p, err := ledger.RegisterPurchase(account("0.00"), product30(), "p-1", epoch, false)
	require.NoError(t, err)

	var got []string
	for _, at := range []float64{0.5, 1.9, 2.1, 7.99, 8.0} {
		var credited = amount("0")
		p, credited, err = ledger.SettlePurchase(p, epoch.Add(days(at)))
		require.NoError(t, err)
		got = append(got, credited.StringFixed(2))
	}

	assert.Equal(t, []string{"0.00", "2.00", "2.00", "10.00", "2.00"}, got)
	assert.Equal(t, 8, p.DaysSettled)
}

func TestSettlePurchase_BeforePurchaseIsRegression(t *testing.T) {
	_, p, err := ledger.RegisterPurchase(account("0.00"), product30(), "p-1", epoch, false)
	require.NoError(t, err)

	_, _, err = ledger.SettlePurchase(p, epoch.Add(-time.Hour))
	assert.True(t, errors.Is(err, ledger.ErrClockRegression))
}

func TestRegisterPurchase_DebitPolicy(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		start := account("59.99")
		got, _, err := ledger.RegisterPurchase(start, product30(), "p-1", epoch, true)

		var insufficient *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		assertAmount(t, "0.01", insufficient.Shortfall)
		assertAmount(t, "59.99", got.Balance)
	})

	t.Run("exact balance debited", func(t *testing.T) {
		got, p, err := ledger.RegisterPurchase(account("60.00"), product30(), "p-1", epoch, true)
		require.NoError(t, err)
		assertAmount(t, "0.00", got.Balance)
		assertAmount(t, "60.00", p.Principal)
	})

	t.Run("no debit leaves balance", func(t *testing.T) {
		got, p, err := ledger.RegisterPurchase(account("1.00"), product30(), "p-1", epoch, false)
		require.NoError(t, err)
		assertAmount(t, "1.00", got.Balance)
		assert.Equal(t, ledger.AccountID("acc-1"), p.AccountID)
		assert.Equal(t, 30, p.ValidityDays)
		assert.Equal(t, epoch, p.PurchasedAt)
	})
}

func TestRegisterPurchase_InvalidProduct(t *testing.T) {
	bad := product30()
	bad.ValidityDays = 0
	_, _, err := ledger.RegisterPurchase(account("100.00"), bad, "p-1", epoch, false)
	assert.True(t, errors.Is(err, ledger.ErrInvalidProduct))
}

// =============================================================================
// REFERRAL COMMISSIONS
// =============================================================================

func referralPair() (referrer, buyer ledger.Account) {
	referrer = account("5.00")
	referrer.ID = "referrer"
	referrer.ReferralCode = "REF-REFERRER0"

	buyer = account("5.00")
	buyer.ID = "buyer"
	buyer.ReferralCode = "REF-BUYER0000"
	buyer.ReferredBy = referrer.ReferralCode
	return referrer, buyer
}

func TestAccrueCommission_TwentyPercentTwentyDays(t *testing.T) {
	referrer, buyer := referralPair()
	_, p, err := ledger.RegisterPurchase(buyer, product30(), "p-1", epoch, false)
	require.NoError(t, err)

	got, c, err := ledger.AccrueCommission(referrer, buyer, p, amount("0.20"), 20*ledger.Day, epoch)
	require.NoError(t, err)

	assertAmount(t, "12.00", c.Amount)
	assert.Equal(t, epoch.Add(20*ledger.Day), c.MaturesAt)
	assert.False(t, c.Withdrawn)
	require.Len(t, got.PendingCommissions, 1)
	assertAmount(t, "5.00", got.Balance, "accrual must not touch balance")
	assert.Empty(t, referrer.PendingCommissions, "input must not be mutated")
}

func TestAccrueCommission_Guards(t *testing.T) {
	referrer, buyer := referralPair()
	_, p, err := ledger.RegisterPurchase(buyer, product30(), "p-1", epoch, false)
	require.NoError(t, err)

	stranger := buyer
	stranger.ReferredBy = ""
	_, _, err = ledger.AccrueCommission(referrer, stranger, p, amount("0.20"), 20*ledger.Day, epoch)
	assert.ErrorIs(t, err, ledger.ErrReferralMismatch)

	got, _, err := ledger.AccrueCommission(referrer, buyer, p, amount("0.20"), 20*ledger.Day, epoch)
	require.NoError(t, err)
	_, _, err = ledger.AccrueCommission(got, buyer, p, amount("0.20"), 20*ledger.Day, epoch)
	assert.ErrorIs(t, err, ledger.ErrDuplicateCommission)
}

func TestWithdrawMaturedCommissions_Day19VersusDay20(t *testing.T) {
	referrer, buyer := referralPair()
	_, p, err := ledger.RegisterPurchase(buyer, product30(), "p-1", epoch, false)
	require.NoError(t, err)
	referrer, _, err = ledger.AccrueCommission(referrer, buyer, p, amount("0.20"), 20*ledger.Day, epoch)
	require.NoError(t, err)

	day19, total, paid := ledger.WithdrawMaturedCommissions(referrer, epoch.Add(days(19)))
	assert.True(t, total.IsZero())
	assert.Empty(t, paid)
	assertAmount(t, "5.00", day19.Balance)

	day20, total, paid := ledger.WithdrawMaturedCommissions(day19, epoch.Add(days(20)))
	assertAmount(t, "12.00", total)
	require.Len(t, paid, 1)
	assertAmount(t, "17.00", day20.Balance)
	assert.True(t, day20.PendingCommissions[0].Withdrawn)

	again, total, _ := ledger.WithdrawMaturedCommissions(day20, epoch.Add(days(40)))
	assert.True(t, total.IsZero(), "withdrawn commissions are never paid twice")
	assertAmount(t, "17.00", again.Balance)
}

func TestWithdrawMaturedCommissions_OldestFirst(t *testing.T) {
	referrer, buyer := referralPair()
	var err error
	for i, id := range []ledger.PurchaseID{"p-1", "p-2", "p-3"} {
		_, p, perr := ledger.RegisterPurchase(buyer, product30(), id, epoch, false)
		require.NoError(t, perr)
		referrer, _, err = ledger.AccrueCommission(referrer, buyer, p, amount("0.20"), 20*ledger.Day, epoch.Add(days(float64(i))))
		require.NoError(t, err)
	}

	// Day 21: p-1 and p-2 matured, p-3 (accrued day 2) matures on day 22.
	_, total, paid := ledger.WithdrawMaturedCommissions(referrer, epoch.Add(days(21)))
	assertAmount(t, "24.00", total)
	require.Len(t, paid, 2)
	assert.Equal(t, ledger.PurchaseID("p-1"), paid[0].SourcePurchaseID)
	assert.Equal(t, ledger.PurchaseID("p-2"), paid[1].SourcePurchaseID)
}

func TestNewReferralCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := ledger.NewReferralCode()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(code, "REF-"))
		assert.Len(t, code, 14)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestCheckImmutable(t *testing.T) {
	before, _ := referralPair()
	after := before
	after.Balance = amount("99.00")
	assert.NoError(t, ledger.CheckImmutable(before, after))

	after.ReferredBy = "REF-SOMEONE00"
	err := ledger.CheckImmutable(before, after)
	var immutable *ledger.ImmutableFieldError
	require.ErrorAs(t, err, &immutable)
	assert.Equal(t, "referred_by", immutable.Field)

	after = before
	after.ReferralCode = "REF-OTHER0000"
	assert.ErrorIs(t, ledger.CheckImmutable(before, after), ledger.ErrImmutableField)
}
