/*
service.go - Orchestrates engines, locks and persistence

PURPOSE:
  The pure engines (Accrue, Checkin, RegisterPurchase, SettlePurchase,
  AccrueCommission, WithdrawMaturedCommissions) decide what changes. The
  Service loads the documents, runs the engine, writes the result and the
  journal entry, and publishes an event. It is the only writer of accounts
  and purchases.

CONCURRENCY:
  Every mutation runs as:
    1. Acquire the account lock(s) from the Locker
    2. TxStore.WithTx: read, compute, write documents + journal
    3. Release locks, publish events
  Writes for one account are therefore strictly sequential. Operations on
  different accounts share nothing but the store.

  Each write bumps Account.Version and the store only accepts it over the
  version it was read at. When two processes share a database without a
  shared Locker, the slower writer fails with ErrVersionConflict and its
  transaction rolls back.

  Purchase locks the buyer and then the buyer's referrer. Referral links are
  fixed at creation and a code never refers to its own account, so the two
  keys are always distinct.

RETRIES:
  None. A failed store call is returned to the caller, who owns the retry
  policy. Lock waits end with the context.

SESSION REFRESH:
  RefreshAccount is what a client calls on session start. It is idempotent:
  calling it twice with the same clock reading credits nothing the second time.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const referralCodeAttempts = 5

// Service is safe for concurrent use.
type Service struct {
	store     TxStore
	policy    Policy
	clock     Clock
	locker    Locker
	publisher Publisher
	log       *zap.Logger
	newID     func() string
}

type Option func(*Service)

func WithClock(c Clock) Option               { return func(s *Service) { s.clock = c } }
func WithLocker(l Locker) Option             { return func(s *Service) { s.locker = l } }
func WithPublisher(p Publisher) Option       { return func(s *Service) { s.publisher = p } }
func WithLogger(l *zap.Logger) Option        { return func(s *Service) { s.log = l } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// NewService validates policy and wires the collaborators. Unset options
// default to the system clock, an in-process KeyedMutex, no events and a
// no-op logger.
func NewService(store TxStore, policy Policy, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	s := &Service{
		store:     store,
		policy:    policy,
		clock:     SystemClock{},
		locker:    NewKeyedMutex(),
		publisher: NopPublisher{},
		log:       zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Policy() Policy { return s.policy }
func (s *Service) Clock() Clock   { return s.clock }

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// OpenAccount creates the ledger account for a newly registered user,
// crediting the signup bonus. referredBy may be empty; a non-empty code must
// belong to an existing account and is fixed for the account's lifetime.
func (s *Service) OpenAccount(ctx context.Context, id AccountID, email, referredBy string) (Account, error) {
	referredBy = NormalizeReferralCode(referredBy)
	if referredBy != "" {
		if _, err := s.store.GetAccountByReferralCode(ctx, referredBy); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return Account{}, fmt.Errorf("%w: %s", ErrReferrerNotFound, referredBy)
			}
			return Account{}, err
		}
	}

	now := s.clock.Now()
	var created Account
	err := s.withAccounts(ctx, []AccountID{id}, func(tx Store) error {
		if _, err := tx.GetAccount(ctx, id); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
		} else if !errors.Is(err, ErrAccountNotFound) {
			return err
		}

		code, err := s.uniqueReferralCode(ctx, tx)
		if err != nil {
			return err
		}

		created = Account{
			ID:            id,
			Email:         email,
			Balance:       s.policy.SignupBonus,
			LastAccrualAt: now,
			ReferralCode:  code,
			ReferredBy:    referredBy,
			CreatedAt:     now,
			Version:       1,
		}
		if err := tx.CreateAccount(ctx, created); err != nil {
			return err
		}
		if s.policy.SignupBonus.IsPositive() {
			return s.journal(ctx, tx, created, EntrySignupBonus, s.policy.SignupBonus, string(id), "signup bonus", "signup:"+string(id), now)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	s.log.Info("account opened",
		zap.String("account_id", string(id)),
		zap.String("referred_by", referredBy),
		zap.String("balance", created.Balance.StringFixed(CentPlaces)))
	s.publish(ctx, Event{Type: EventAccountOpened, AccountID: id, Amount: created.Balance, Balance: created.Balance, At: now})
	return created, nil
}

func (s *Service) uniqueReferralCode(ctx context.Context, tx Store) (string, error) {
	for i := 0; i < referralCodeAttempts; i++ {
		code, err := NewReferralCode()
		if err != nil {
			return "", err
		}
		_, err = tx.GetAccountByReferralCode(ctx, code)
		if errors.Is(err, ErrAccountNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("ledger: could not allocate a unique referral code")
}

// ReferralExists reports whether code belongs to an account.
func (s *Service) ReferralExists(ctx context.Context, code string) (bool, error) {
	_, err := s.store.GetAccountByReferralCode(ctx, NormalizeReferralCode(code))
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

// =============================================================================
// ACCRUAL
// =============================================================================

// RefreshAccount applies whole-balance accrual up to now and persists it.
// A clock that went backwards is clamped: the account is returned unchanged
// and the regression is logged.
func (s *Service) RefreshAccount(ctx context.Context, id AccountID) (Account, decimal.Decimal, error) {
	now := s.clock.Now()
	var (
		result Account
		delta  = decimal.Zero
	)
	err := s.withAccounts(ctx, []AccountID{id}, func(tx Store) error {
		before, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		result = before

		after, d, err := Accrue(before, now, s.policy)
		var regression *ClockRegressionError
		if errors.As(err, &regression) {
			s.log.Warn("clock regression, accrual skipped",
				zap.String("account_id", string(id)),
				zap.Time("now", regression.Now),
				zap.Time("last_accrual_at", regression.Stored))
			return nil
		}
		if err != nil {
			return err
		}
		if after.LastAccrualAt.Equal(before.LastAccrualAt) {
			return nil
		}

		if err := s.putAccount(ctx, tx, before, &after); err != nil {
			return err
		}
		if !d.IsZero() {
			key := "accrual:" + string(id) + ":" + strconv.FormatInt(after.LastAccrualAt.Unix(), 10)
			if err := s.journal(ctx, tx, after, EntryAccrual, d, "", string(s.policy.AccrualMode)+" accrual", key, now); err != nil {
				return err
			}
		}
		result, delta = after, d
		return nil
	})
	if err != nil {
		return Account{}, decimal.Zero, err
	}

	if delta.IsPositive() {
		s.log.Info("balance accrued",
			zap.String("account_id", string(id)),
			zap.String("delta", delta.StringFixed(CentPlaces)),
			zap.String("balance", result.Balance.StringFixed(CentPlaces)))
		s.publish(ctx, Event{Type: EventAccrued, AccountID: id, Amount: delta, Balance: result.Balance, At: now})
	} else {
		s.log.Debug("refresh without accrual", zap.String("account_id", string(id)))
	}
	return result, delta, nil
}

// =============================================================================
// CHECK-IN
// =============================================================================

// Checkin credits the daily bonus for today's UTC date.
func (s *Service) Checkin(ctx context.Context, id AccountID) (Account, error) {
	now := s.clock.Now()
	today := DateOf(now)

	var result Account
	err := s.withAccounts(ctx, []AccountID{id}, func(tx Store) error {
		before, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		after, err := Checkin(before, today, s.policy.CheckinBonus)
		if err != nil {
			return err
		}
		if err := s.putAccount(ctx, tx, before, &after); err != nil {
			return err
		}
		err = s.journal(ctx, tx, after, EntryCheckin, s.policy.CheckinBonus, today.String(), "daily check-in", CheckinKey(id, today), now)
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return &AlreadyCheckedInError{AccountID: id, Date: today}
		}
		if err != nil {
			return err
		}
		result = after
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	s.log.Info("checked in",
		zap.String("account_id", string(id)),
		zap.String("date", today.String()),
		zap.String("balance", result.Balance.StringFixed(CentPlaces)))
	s.publish(ctx, Event{Type: EventCheckedIn, AccountID: id, Amount: s.policy.CheckinBonus, Balance: result.Balance, ReferenceID: today.String(), At: now})
	return result, nil
}

// =============================================================================
// PURCHASES
// =============================================================================

// PurchaseReceipt describes what a purchase changed.
type PurchaseReceipt struct {
	Purchase   Purchase
	Buyer      Account
	Commission *Commission
	ReferrerID AccountID
}

// Purchase buys productID for account id. When the buyer was referred, the
// referrer receives a pending commission in the same transaction.
func (s *Service) Purchase(ctx context.Context, id AccountID, productID ProductID) (PurchaseReceipt, error) {
	buyer, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return PurchaseReceipt{}, err
	}

	lockIDs := []AccountID{id}
	var referrerID AccountID
	if buyer.ReferredBy != "" {
		referrer, err := s.store.GetAccountByReferralCode(ctx, buyer.ReferredBy)
		switch {
		case err == nil:
			if referrer.ID != id {
				referrerID = referrer.ID
				lockIDs = append(lockIDs, referrerID)
			}
		case errors.Is(err, ErrAccountNotFound):
			// Referrer closed externally; no commission to pay.
			s.log.Warn("referrer missing", zap.String("account_id", string(id)), zap.String("referred_by", buyer.ReferredBy))
		default:
			return PurchaseReceipt{}, err
		}
	}

	now := s.clock.Now()
	var receipt PurchaseReceipt
	err = s.withAccounts(ctx, lockIDs, func(tx Store) error {
		product, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, ErrUnknownProduct) {
			return &UnknownProductError{ProductID: productID}
		}
		if err != nil {
			return err
		}

		before, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		after, purchase, err := RegisterPurchase(before, product, PurchaseID(s.newID()), now, s.policy.DebitOnPurchase)
		if err != nil {
			return err
		}
		if err := tx.AppendPurchase(ctx, purchase); err != nil {
			return err
		}
		if s.policy.DebitOnPurchase {
			if err := s.putAccount(ctx, tx, before, &after); err != nil {
				return err
			}
			if err := s.journal(ctx, tx, after, EntryPurchaseDebit, product.Price.Neg(), string(purchase.ID), "purchase "+string(product.ID), "purchase:"+string(purchase.ID), now); err != nil {
				return err
			}
		}
		receipt = PurchaseReceipt{Purchase: purchase, Buyer: after}

		if referrerID == "" {
			return nil
		}
		refBefore, err := tx.GetAccount(ctx, referrerID)
		if err != nil {
			return err
		}
		refAfter, commission, err := AccrueCommission(refBefore, after, purchase, s.policy.ReferralRate, s.policy.ReferralMaturity, now)
		if err != nil {
			return err
		}
		if err := s.putAccount(ctx, tx, refBefore, &refAfter); err != nil {
			return err
		}
		reason := "commission locked until " + commission.MaturesAt.Format(time.RFC3339)
		if err := s.journal(ctx, tx, refAfter, EntryCommissionAccrued, decimal.Zero, string(purchase.ID), reason, CommissionKey(purchase.ID), now); err != nil {
			return err
		}
		receipt.Commission = &commission
		receipt.ReferrerID = referrerID
		return nil
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}

	s.log.Info("purchase registered",
		zap.String("account_id", string(id)),
		zap.String("product_id", string(productID)),
		zap.String("purchase_id", string(receipt.Purchase.ID)),
		zap.Bool("debited", s.policy.DebitOnPurchase))
	s.publish(ctx, Event{Type: EventPurchased, AccountID: id, Amount: receipt.Purchase.Principal, Balance: receipt.Buyer.Balance, ReferenceID: string(receipt.Purchase.ID), At: now})
	if c := receipt.Commission; c != nil {
		s.log.Info("commission accrued",
			zap.String("referrer_id", string(referrerID)),
			zap.String("amount", c.Amount.StringFixed(CentPlaces)),
			zap.Time("matures_at", c.MaturesAt))
		s.publish(ctx, Event{Type: EventCommissionAccrued, AccountID: referrerID, Amount: c.Amount, ReferenceID: string(c.SourcePurchaseID), At: now})
	}
	return receipt, nil
}

// SettlementResult summarises one settlement run for an account.
type SettlementResult struct {
	Account   Account
	Credited  decimal.Decimal
	Purchases []Purchase // only purchases that paid something
}

// SettlePurchases pays the yield earned by every purchase of account id.
func (s *Service) SettlePurchases(ctx context.Context, id AccountID) (SettlementResult, error) {
	return s.settle(ctx, id, "")
}

// SettlePurchase pays the yield earned by a single purchase.
func (s *Service) SettlePurchase(ctx context.Context, purchaseID PurchaseID) (SettlementResult, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return SettlementResult{}, err
	}
	return s.settle(ctx, p.AccountID, purchaseID)
}

func (s *Service) settle(ctx context.Context, id AccountID, only PurchaseID) (SettlementResult, error) {
	now := s.clock.Now()
	result := SettlementResult{Credited: decimal.Zero}

	err := s.withAccounts(ctx, []AccountID{id}, func(tx Store) error {
		before, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		var purchases []Purchase
		if only != "" {
			p, err := tx.GetPurchase(ctx, only)
			if err != nil {
				return err
			}
			purchases = []Purchase{p}
		} else if purchases, err = tx.ListPurchases(ctx, id); err != nil {
			return err
		}

		after := before.Clone()
		for _, p := range purchases {
			settled, credited, err := SettlePurchase(p, now)
			if err != nil {
				return err
			}
			if settled.DaysSettled == p.DaysSettled {
				continue
			}
			if err := tx.PutPurchase(ctx, settled); err != nil {
				return err
			}
			if credited.IsZero() {
				continue
			}
			after.Balance = after.Balance.Add(credited)
			reason := fmt.Sprintf("yield %s day %d/%d", settled.ProductID, settled.DaysSettled, settled.ValidityDays)
			if err := s.journal(ctx, tx, after, EntryYield, credited, string(settled.ID), reason, YieldKey(settled.ID, settled.DaysSettled), now); err != nil {
				return err
			}
			result.Credited = result.Credited.Add(credited)
			result.Purchases = append(result.Purchases, settled)
		}

		if result.Credited.IsZero() {
			result.Account = before
			return nil
		}
		if err := s.putAccount(ctx, tx, before, &after); err != nil {
			return err
		}
		result.Account = after
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}

	if result.Credited.IsPositive() {
		s.log.Info("yield settled",
			zap.String("account_id", string(id)),
			zap.Int("purchases", len(result.Purchases)),
			zap.String("credited", result.Credited.StringFixed(CentPlaces)))
		s.publish(ctx, Event{Type: EventYieldSettled, AccountID: id, Amount: result.Credited, Balance: result.Account.Balance, ReferenceID: string(only), At: now})
	}
	return result, nil
}

// SettleAll settles every account. Failures on one account do not stop the
// others; they are joined into the returned error.
func (s *Service) SettleAll(ctx context.Context) (decimal.Decimal, int, error) {
	ids, err := s.store.ListAccountIDs(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.SettlePurchases(ctx, id)
		if err != nil {
			s.log.Error("settlement failed", zap.String("account_id", string(id)), zap.Error(err))
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			continue
		}
		total = total.Add(res.Credited)
	}
	return total, len(ids), errors.Join(errs...)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// WithdrawCommissions moves every matured commission into the balance.
func (s *Service) WithdrawCommissions(ctx context.Context, id AccountID) (Account, decimal.Decimal, []Commission, error) {
	now := s.clock.Now()
	var (
		result Account
		total  = decimal.Zero
		paid   []Commission
	)
	err := s.withAccounts(ctx, []AccountID{id}, func(tx Store) error {
		before, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		result = before

		after, sum, commissions := WithdrawMaturedCommissions(before, now)
		if len(commissions) == 0 {
			return nil
		}
		if err := s.putAccount(ctx, tx, before, &after); err != nil {
			return err
		}

		running := before.Clone()
		for _, c := range commissions {
			running.Balance = running.Balance.Add(c.Amount)
			key := "commission-withdrawn:" + string(c.SourcePurchaseID)
			if err := s.journal(ctx, tx, running, EntryCommissionWithdrawn, c.Amount, string(c.SourcePurchaseID), "referral commission", key, now); err != nil {
				return err
			}
		}
		result, total, paid = after, sum, commissions
		return nil
	})
	if err != nil {
		return Account{}, decimal.Zero, nil, err
	}

	if len(paid) > 0 {
		s.log.Info("commissions withdrawn",
			zap.String("account_id", string(id)),
			zap.Int("count", len(paid)),
			zap.String("amount", total.StringFixed(CentPlaces)))
		s.publish(ctx, Event{Type: EventCommissionWithdrawn, AccountID: id, Amount: total, Balance: result.Balance, At: now})
	}
	return result, total, paid, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Account(ctx context.Context, id AccountID) (Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) Purchases(ctx context.Context, id AccountID) ([]Purchase, error) {
	return s.store.ListPurchases(ctx, id)
}

func (s *Service) Entries(ctx context.Context, id AccountID) ([]Entry, error) {
	return s.store.ListEntries(ctx, id)
}

func (s *Service) Products(ctx context.Context) ([]Product, error) {
	return s.store.ListProducts(ctx)
}

// UpsertProduct validates and stores a catalog entry.
func (s *Service) UpsertProduct(ctx context.Context, p Product) error {
	if err := ValidateProduct(p); err != nil {
		return err
	}
	return s.store.PutProduct(ctx, p)
}

// Summary returns the wallet view of account id without mutating it.
func (s *Service) Summary(ctx context.Context, id AccountID) (Summary, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	purchases, err := s.store.ListPurchases(ctx, id)
	if err != nil {
		return Summary{}, err
	}

	now := s.clock.Now()
	sum := Summary{
		AccountID:              id,
		Balance:                account.Balance,
		IncomeToday:            decimal.Zero,
		TotalIncome:            decimal.Zero,
		PendingCommissions:     account.PendingTotal(),
		WithdrawableCommission: account.WithdrawableTotal(now),
		ReferralCode:           account.ReferralCode,
		LastCheckinDate:        account.LastCheckinDate,
		AsOf:                   now,
	}
	for _, p := range purchases {
		if p.IsActive(now) {
			sum.IncomeToday = sum.IncomeToday.Add(p.DailyYield)
		}
		sum.TotalIncome = sum.TotalIncome.Add(p.TotalYieldPaid)
	}
	return sum, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// withAccounts holds the locks of ids, in order, around one store transaction.
func (s *Service) withAccounts(ctx context.Context, ids []AccountID, fn func(tx Store) error) error {
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, id := range ids {
		release, err := s.locker.Acquire(ctx, AccountLockKey(id))
		if err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
		releases = append(releases, release)
	}
	return s.store.WithTx(ctx, fn)
}

func (s *Service) putAccount(ctx context.Context, tx Store, before Account, after *Account) error {
	if err := CheckImmutable(before, *after); err != nil {
		return err
	}
	after.Version = before.Version + 1
	return tx.PutAccount(ctx, *after)
}

func (s *Service) journal(ctx context.Context, tx Store, account Account, typ EntryType, delta decimal.Decimal, ref, reason, key string, at time.Time) error {
	return tx.AppendEntry(ctx, Entry{
		ID:             EntryID(s.newID()),
		AccountID:      account.ID,
		Type:           typ,
		Delta:          delta,
		BalanceAfter:   account.Balance,
		EffectiveAt:    at,
		ReferenceID:    ref,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      at,
	})
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed",
			zap.String("type", string(ev.Type)),
			zap.String("account_id", string(ev.AccountID)),
			zap.Error(err))
	}
}
