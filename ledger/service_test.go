package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/aporte-ledger/ledger"
	"github.com/warp/aporte-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []ledger.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc       *ledger.Service
	store     *store.Memory
	clock     *ledger.FixedClock
	publisher *recordingPublisher
}

func newFixture(t *testing.T, policy ledger.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		clock:     ledger.NewFixedClock(epoch),
		publisher: &recordingPublisher{},
	}
	seq := 0
	var mu sync.Mutex
	svc, err := ledger.NewService(f.store, policy,
		ledger.WithClock(f.clock),
		ledger.WithPublisher(f.publisher),
		ledger.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%04d", seq)
		}),
	)
	require.NoError(t, err)
	f.svc = svc

	ctx := context.Background()
	require.NoError(t, svc.UpsertProduct(ctx, product30()))
	require.NoError(t, svc.UpsertProduct(ctx, ledger.Product{
		ID: "starter-10", Name: "Starter", Price: amount("10.00"), DailyYield: amount("0.50"), ValidityDays: 10,
	}))
	return f
}

func (f *fixture) open(t *testing.T, id, referredBy string) ledger.Account {
	t.Helper()
	a, err := f.svc.OpenAccount(context.Background(), ledger.AccountID(id), id+"@example.com", referredBy)
	require.NoError(t, err)
	return a
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

func TestService_OpenAccount_SignupBonus(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())

	a := f.open(t, "alice", "")

	assertAmount(t, "5.00", a.Balance)
	assert.Equal(t, epoch, a.LastAccrualAt)
	assert.NotEmpty(t, a.ReferralCode)
	assert.Empty(t, a.ReferredBy)

	entries, err := f.svc.Entries(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntrySignupBonus, entries[0].Type)
	assertAmount(t, "5.00", entries[0].BalanceAfter)
	assert.Equal(t, []ledger.EventType{ledger.EventAccountOpened}, f.publisher.types())
}

func TestService_OpenAccount_Referral(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()

	alice := f.open(t, "alice", "")
	bob := f.open(t, "bob", "  "+alice.ReferralCode+" ")
	assert.Equal(t, alice.ReferralCode, bob.ReferredBy, "code is normalized")

	_, err := f.svc.OpenAccount(ctx, "carol", "carol@example.com", "REF-NOPE")
	assert.ErrorIs(t, err, ledger.ErrReferrerNotFound)

	_, err = f.svc.OpenAccount(ctx, "alice", "again@example.com", "")
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	ok, err := f.svc.ReferralExists(ctx, alice.ReferralCode)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.ReferralExists(ctx, "REF-NOPE")
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestService_RefreshAccount_CompoundIdempotent(t *testing.T) {
	f := newFixture(t, compoundPolicy("0.08"))
	ctx := context.Background()
	f.open(t, "alice", "")

	f.clock.Advance(days(3) + 5*time.Hour)
	a, delta, err := f.svc.RefreshAccount(ctx, "alice")
	require.NoError(t, err)
	// 5.00 × 1.259712 = 6.29856 -> 6.30
	assertAmount(t, "6.30", a.Balance)
	assertAmount(t, "1.30", delta)
	assert.Equal(t, int64(2), a.Version)

	again, delta, err := f.svc.RefreshAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
	assertAmount(t, "6.30", again.Balance)
	assert.Equal(t, a.Version, again.Version, "no-op refresh does not write")
}

func TestService_RefreshAccount_ClockRegressionClamped(t *testing.T) {
	f := newFixture(t, compoundPolicy("0.08"))
	f.open(t, "alice", "")

	f.clock.Set(epoch.Add(-48 * time.Hour))
	a, delta, err := f.svc.RefreshAccount(context.Background(), "alice")

	require.NoError(t, err)
	assert.True(t, delta.IsZero())
	assertAmount(t, "5.00", a.Balance)
	assert.Equal(t, epoch, a.LastAccrualAt)
}

func TestService_RefreshAccount_UnknownAccount(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	_, _, err := f.svc.RefreshAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// CHECK-IN
// =============================================================================

func TestService_Checkin(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")

	a, err := f.svc.Checkin(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "6.00", a.Balance)

	_, err = f.svc.Checkin(ctx, "alice")
	var already *ledger.AlreadyCheckedInError
	require.ErrorAs(t, err, &already)

	stored, err := f.svc.Account(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "6.00", stored.Balance)

	// Crossing UTC midnight opens a new day.
	f.clock.Set(time.Date(2025, time.March, 2, 0, 0, 1, 0, time.UTC))
	a, err = f.svc.Checkin(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "7.00", a.Balance)
}

func TestService_Checkin_ConcurrentSameDay(t *testing.T) {
	// GIVEN: one account
	// WHEN: 50 goroutines check in at once
	// THEN: exactly one succeeds and the balance rises by one bonus

	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")

	const workers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Checkin(ctx, "alice")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if errors.Is(err, ledger.ErrAlreadyCheckedIn) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, workers-1, rejected)
	a, err := f.svc.Account(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "6.00", a.Balance)
}

func TestService_ConcurrentMixedOperations_NoLostUpdates(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Purchase(ctx, "alice", "starter-10")
		require.NoError(t, err)
	}
	f.clock.Advance(days(4))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = f.svc.Checkin(ctx, "alice") }()
		go func() { defer wg.Done(); _, _ = f.svc.SettlePurchases(ctx, "alice") }()
		go func() { defer wg.Done(); _, _, _ = f.svc.RefreshAccount(ctx, "alice") }()
	}
	wg.Wait()

	// 5.00 signup + 1.00 check-in + 5 purchases × 4 days × 0.50
	a, err := f.svc.Account(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "16.00", a.Balance)
}

// =============================================================================
// PURCHASES & SETTLEMENT
// =============================================================================

func TestService_Purchase_NoDebitByDefault(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")

	receipt, err := f.svc.Purchase(ctx, "alice", "basic-30")
	require.NoError(t, err)
	assertAmount(t, "5.00", receipt.Buyer.Balance)
	assert.Nil(t, receipt.Commission)
	assert.Equal(t, ledger.ProductID("basic-30"), receipt.Purchase.ProductID)

	purchases, err := f.svc.Purchases(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
}

func TestService_Purchase_DebitPolicy(t *testing.T) {
	policy := ledger.DefaultPolicy()
	policy.DebitOnPurchase = true
	f := newFixture(t, policy)
	ctx := context.Background()
	f.open(t, "alice", "")

	_, err := f.svc.Purchase(ctx, "alice", "basic-30")
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, ledger.IsClientError(err))

	purchases, err := f.svc.Purchases(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, purchases, "failed purchase leaves nothing behind")

	require.NoError(t, f.svc.UpsertProduct(ctx, ledger.Product{
		ID: "cheap", Name: "Cheap", Price: amount("4.00"), DailyYield: amount("0.10"), ValidityDays: 5,
	}))
	receipt, err := f.svc.Purchase(ctx, "alice", "cheap")
	require.NoError(t, err)
	assertAmount(t, "1.00", receipt.Buyer.Balance)
}

func TestService_Purchase_UnknownProduct(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	f.open(t, "alice", "")

	_, err := f.svc.Purchase(context.Background(), "alice", "gold-999")
	var unknown *ledger.UnknownProductError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ledger.ProductID("gold-999"), unknown.ProductID)
}

func TestService_SettlePurchases_CapsAtTotalYield(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")
	_, err := f.svc.Purchase(ctx, "alice", "basic-30")
	require.NoError(t, err)

	total := amount("0")
	for day := 1; day <= 35; day++ {
		f.clock.Set(epoch.Add(days(float64(day))))
		res, err := f.svc.SettlePurchases(ctx, "alice")
		require.NoError(t, err)
		total = total.Add(res.Credited)
	}

	assertAmount(t, "60.00", total)
	a, err := f.svc.Account(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "65.00", a.Balance)

	entries, err := f.svc.Entries(ctx, "alice")
	require.NoError(t, err)
	yields := 0
	for _, e := range entries {
		if e.Type == ledger.EntryYield {
			yields++
		}
	}
	assert.Equal(t, 30, yields)
}

func TestService_SettlePurchase_Single(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")
	first, err := f.svc.Purchase(ctx, "alice", "basic-30")
	require.NoError(t, err)
	_, err = f.svc.Purchase(ctx, "alice", "starter-10")
	require.NoError(t, err)

	f.clock.Advance(days(2))
	res, err := f.svc.SettlePurchase(ctx, first.Purchase.ID)
	require.NoError(t, err)
	assertAmount(t, "4.00", res.Credited)
	require.Len(t, res.Purchases, 1)

	_, err = f.svc.SettlePurchase(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrPurchaseNotFound)
}

func TestService_SettleAll(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")
	f.open(t, "bob", "")
	_, err := f.svc.Purchase(ctx, "alice", "basic-30")
	require.NoError(t, err)
	_, err = f.svc.Purchase(ctx, "bob", "starter-10")
	require.NoError(t, err)

	f.clock.Advance(days(3))
	total, accounts, err := f.svc.SettleAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, accounts)
	assertAmount(t, "7.50", total)

	total, _, err = f.svc.SettleAll(ctx)
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "second run at same instant pays nothing")
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func TestService_ReferralCommissionLifecycle(t *testing.T) {
	// GIVEN: bob was referred by alice
	// WHEN: bob buys a 60.00 product
	// THEN: alice accrues 12.00 withdrawable on day 20, not on day 19

	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	alice := f.open(t, "alice", "")
	f.open(t, "bob", alice.ReferralCode)

	receipt, err := f.svc.Purchase(ctx, "bob", "basic-30")
	require.NoError(t, err)
	require.NotNil(t, receipt.Commission)
	assert.Equal(t, ledger.AccountID("alice"), receipt.ReferrerID)
	assertAmount(t, "12.00", receipt.Commission.Amount)

	sum, err := f.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "12.00", sum.PendingCommissions)
	assert.True(t, sum.WithdrawableCommission.IsZero())

	f.clock.Set(epoch.Add(days(19)))
	a, paid, list, err := f.svc.WithdrawCommissions(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, paid.IsZero())
	assert.Empty(t, list)
	assertAmount(t, "5.00", a.Balance)

	f.clock.Set(epoch.Add(days(20)))
	a, paid, list, err = f.svc.WithdrawCommissions(ctx, "alice")
	require.NoError(t, err)
	assertAmount(t, "12.00", paid)
	require.Len(t, list, 1)
	assertAmount(t, "17.00", a.Balance)

	_, paid, _, err = f.svc.WithdrawCommissions(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, paid.IsZero())

	assert.Contains(t, f.publisher.types(), ledger.EventCommissionAccrued)
	assert.Contains(t, f.publisher.types(), ledger.EventCommissionWithdrawn)
}

func TestService_Summary(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	ctx := context.Background()
	f.open(t, "alice", "")
	_, err := f.svc.Purchase(ctx, "alice", "basic-30")
	require.NoError(t, err)
	_, err = f.svc.Purchase(ctx, "alice", "starter-10")
	require.NoError(t, err)

	f.clock.Advance(days(12))
	_, err = f.svc.SettlePurchases(ctx, "alice")
	require.NoError(t, err)

	sum, err := f.svc.Summary(ctx, "alice")
	require.NoError(t, err)
	// starter-10 expired after day 10; only basic-30 still earns.
	assertAmount(t, "2.00", sum.IncomeToday)
	// 12 × 2.00 + 10 × 0.50
	assertAmount(t, "29.00", sum.TotalIncome)
	assertAmount(t, "34.00", sum.Balance)
}

func TestService_Products_SortedByPrice(t *testing.T) {
	f := newFixture(t, ledger.DefaultPolicy())
	products, err := f.svc.Products(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, ledger.ProductID("starter-10"), products[0].ID)
	assert.Equal(t, ledger.ProductID("basic-30"), products[1].ID)

	err = f.svc.UpsertProduct(context.Background(), ledger.Product{ID: "bad"})
	assert.ErrorIs(t, err, ledger.ErrInvalidProduct)
}

func TestNewService_RejectsInvalidPolicy(t *testing.T) {
	p := ledger.DefaultPolicy()
	p.AccrualMode = ledger.AccrualSimple
	_, err := ledger.NewService(store.NewMemory(), p)
	assert.Error(t, err)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := ledger.NewKeyedMutex()
	ctx := context.Background()

	release, err := km.Acquire(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := km.Acquire(ctx, "k")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired")
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := ledger.NewKeyedMutex()
	ctx := context.Background()

	r1, err := km.Acquire(ctx, "a")
	require.NoError(t, err)
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := km.Acquire(ctx2, "b")
	require.NoError(t, err)
	r2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := ledger.NewKeyedMutex()
	release, err := km.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
