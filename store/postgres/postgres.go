/*
Package postgres provides a PostgreSQL-backed ledger.TxStore and
identity.UserStore built on pgxpool.

Same tables and semantics as store/sqlite. Differences:
  - timestamps are TIMESTAMPTZ, the check-in date is DATE
  - commissions live in a JSONB column
  - unique violations are detected by SQLSTATE 23505 and constraint name

Several server processes may share one database. Per-account exclusion then
comes from a shared Locker (store/redislock). Without one, PutAccount only
updates a row still at the version the write was computed from, so the
losing writer gets ledger.ErrVersionConflict instead of overwriting. The
entries.idempotency_key constraint still rejects a second credit.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/aporte-ledger/identity"
	"github.com/warp/aporte-ledger/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	queries
}

var (
	_ ledger.TxStore     = (*Store)(nil)
	_ identity.UserStore = (*Store)(nil)
)

// New connects to dsn, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{pool: pool, queries: queries{q: pool}}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		balance TEXT NOT NULL,
		last_accrual_at TIMESTAMPTZ NOT NULL,
		last_checkin_date DATE,
		referral_code TEXT NOT NULL,
		referred_by TEXT,
		commissions JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		CONSTRAINT accounts_referral_code_key UNIQUE (referral_code)
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		price_cents BIGINT NOT NULL,
		daily_yield TEXT NOT NULL,
		validity_days INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		product_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		daily_yield TEXT NOT NULL,
		purchased_at TIMESTAMPTZ NOT NULL,
		validity_days INTEGER NOT NULL,
		days_settled INTEGER NOT NULL DEFAULT 0,
		total_yield_paid TEXT NOT NULL,
		seq BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_account ON purchases(account_id, purchased_at);

	CREATE TABLE IF NOT EXISTS entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		effective_at TIMESTAMPTZ NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT entries_idempotency_key_key UNIQUE (idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account_id, seq);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revoked_sessions (
		jti TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);`)
	return err
}

// WithTx runs fn in a READ COMMITTED transaction; an error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, email, balance, last_accrual_at, last_checkin_date,
	referral_code, referred_by, commissions, created_at, version`

func (s *queries) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	a, err := scanAccount(s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a, err
}

func (s *queries) GetAccountByReferralCode(ctx context.Context, code string) (ledger.Account, error) {
	a, err := scanAccount(s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: referral code %s", ledger.ErrAccountNotFound, code)
	}
	return a, err
}

func (s *queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	commissions, err := marshalCommissions(a.PendingCommissions)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(a.ID), a.Email, a.Balance.String(), a.LastAccrualAt.UTC(), date(a.LastCheckinDate),
		a.ReferralCode, nullable(a.ReferredBy), commissions, a.CreatedAt.UTC(), a.Version)
	if isUnique(err) {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *queries) PutAccount(ctx context.Context, a ledger.Account) error {
	commissions, err := marshalCommissions(a.PendingCommissions)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, last_accrual_at = $2, last_checkin_date = $3, commissions = $4, version = $5
		WHERE id = $6 AND version = $5 - 1`,
		a.Balance.String(), a.LastAccrualAt.UTC(), date(a.LastCheckinDate), commissions, a.Version, string(a.ID))
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var stored int64
	err = s.q.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, string(a.ID)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read account version: %w", err)
	}
	return fmt.Errorf("%w: %s at version %d, write expects %d", ledger.ErrVersionConflict, a.ID, stored, a.Version-1)
}

func (s *queries) ListAccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]ledger.AccountID, len(ids))
	for i, id := range ids {
		out[i] = ledger.AccountID(id)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                  ledger.Account
		id, balance        string
		checkin            pgtype.Date
		referredBy         pgtype.Text
		commissions        []byte
		accrual, createdAt time.Time
	)
	err := row.Scan(&id, &a.Email, &balance, &accrual, &checkin,
		&a.ReferralCode, &referredBy, &commissions, &createdAt, &a.Version)
	if err != nil {
		return a, err
	}
	a.ID = ledger.AccountID(id)
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return a, fmt.Errorf("account %s balance: %w", id, err)
	}
	a.LastAccrualAt, a.CreatedAt = accrual.UTC(), createdAt.UTC()
	if checkin.Valid {
		d := ledger.DateOf(checkin.Time)
		a.LastCheckinDate = &d
	}
	a.ReferredBy = referredBy.String
	if err := json.Unmarshal(commissions, &a.PendingCommissions); err != nil {
		return a, fmt.Errorf("account %s commissions: %w", id, err)
	}
	if len(a.PendingCommissions) == 0 {
		a.PendingCommissions = nil
	}
	return a, nil
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, account_id, product_id, principal, daily_yield,
	purchased_at, validity_days, days_settled, total_yield_paid`

func (s *queries) GetPurchase(ctx context.Context, id ledger.PurchaseID) (ledger.Purchase, error) {
	p, err := scanPurchase(s.q.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Purchase{}, fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, id)
	}
	return p, err
}

func (s *queries) AppendPurchase(ctx context.Context, p ledger.Purchase) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(p.ID), string(p.AccountID), string(p.ProductID), p.Principal.String(), p.DailyYield.String(),
		p.PurchasedAt.UTC(), p.ValidityDays, p.DaysSettled, p.TotalYieldPaid.String())
	if err != nil {
		return fmt.Errorf("failed to append purchase: %w", err)
	}
	return nil
}

func (s *queries) PutPurchase(ctx context.Context, p ledger.Purchase) error {
	tag, err := s.q.Exec(ctx, `UPDATE purchases SET days_settled = $1, total_yield_paid = $2 WHERE id = $3`,
		p.DaysSettled, p.TotalYieldPaid.String(), string(p.ID))
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, p.ID)
	}
	return nil
}

func (s *queries) ListPurchases(ctx context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	rows, err := s.q.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases
		WHERE account_id = $1 ORDER BY purchased_at, seq`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []ledger.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPurchase(row pgx.Row) (ledger.Purchase, error) {
	var (
		p                           ledger.Purchase
		id, accountID, productID    string
		principal, dailyYield, paid string
		purchasedAt                 time.Time
	)
	err := row.Scan(&id, &accountID, &productID, &principal, &dailyYield,
		&purchasedAt, &p.ValidityDays, &p.DaysSettled, &paid)
	if err != nil {
		return p, err
	}
	p.ID, p.AccountID, p.ProductID = ledger.PurchaseID(id), ledger.AccountID(accountID), ledger.ProductID(productID)
	p.PurchasedAt = purchasedAt.UTC()
	if p.Principal, err = decimal.NewFromString(principal); err != nil {
		return p, err
	}
	if p.DailyYield, err = decimal.NewFromString(dailyYield); err != nil {
		return p, err
	}
	p.TotalYieldPaid, err = decimal.NewFromString(paid)
	return p, err
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *queries) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name, price, daily_yield, validity_days
		FROM products ORDER BY price_cents, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *queries) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	p, err := scanProduct(s.q.QueryRow(ctx, `SELECT id, name, price, daily_yield, validity_days
		FROM products WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, fmt.Errorf("%w: %s", ledger.ErrUnknownProduct, id)
	}
	return p, err
}

func (s *queries) PutProduct(ctx context.Context, p ledger.Product) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO products (id, name, price, price_cents, daily_yield, validity_days)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			price_cents = EXCLUDED.price_cents,
			daily_yield = EXCLUDED.daily_yield,
			validity_days = EXCLUDED.validity_days`,
		string(p.ID), p.Name, p.Price.String(), p.Price.Shift(ledger.CentPlaces).Round(0).IntPart(),
		p.DailyYield.String(), p.ValidityDays)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var (
		p                     ledger.Product
		id, price, dailyYield string
	)
	if err := row.Scan(&id, &p.Name, &price, &dailyYield, &p.ValidityDays); err != nil {
		return p, err
	}
	p.ID = ledger.ProductID(id)
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return p, err
	}
	p.DailyYield, err = decimal.NewFromString(dailyYield)
	return p, err
}

// =============================================================================
// JOURNAL
// =============================================================================

func (s *queries) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO entries (id, account_id, entry_type, delta, balance_after, effective_at,
			reference_id, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.ID), string(e.AccountID), string(e.Type), e.Delta.String(), e.BalanceAfter.String(),
		e.EffectiveAt.UTC(), nullable(e.ReferenceID), nullable(e.Reason), nullable(e.IdempotencyKey), e.CreatedAt.UTC())
	if isUniqueOn(err, "entries_idempotency_key_key") {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *queries) ListEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, account_id, entry_type, delta, balance_after, effective_at,
		       reference_id, reason, idempotency_key, created_at
		FROM entries WHERE account_id = $1 ORDER BY seq`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                            ledger.Entry
			id, account, typ, delta, bal string
			ref, reason, key             pgtype.Text
			effective, created           time.Time
		)
		if err := rows.Scan(&id, &account, &typ, &delta, &bal, &effective, &ref, &reason, &key, &created); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID, e.AccountID, e.Type = ledger.EntryID(id), ledger.AccountID(account), ledger.EntryType(typ)
		if e.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(bal); err != nil {
			return nil, err
		}
		e.EffectiveAt, e.CreatedAt = effective.UTC(), created.UTC()
		e.ReferenceID, e.Reason, e.IdempotencyKey = ref.String, reason.String, key.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS (identity.UserStore)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u identity.User) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		string(u.ID), u.Email, u.PasswordHash, u.CreatedAt.UTC())
	if isUnique(err) {
		return fmt.Errorf("%w: %s", identity.ErrDuplicateEmail, u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (identity.User, error) {
	var (
		u  identity.User
		id string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email).
		Scan(&id, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.User{}, fmt.Errorf("%w: %s", identity.ErrUserNotFound, email)
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u.ID = ledger.AccountID(id)
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id ledger.AccountID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", identity.ErrUserNotFound, id)
	}
	return nil
}

func (s *Store) RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO revoked_sessions (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *Store) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_sessions WHERE jti = $1)`, jti).Scan(&exists)
	return exists, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func date(d *ledger.Date) pgtype.Date {
	if d == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.Time(), Valid: true}
}

func marshalCommissions(cs []ledger.Commission) ([]byte, error) {
	if len(cs) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encode commissions: %w", err)
	}
	return b, nil
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isUniqueOn(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
