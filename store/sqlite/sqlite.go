/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces and of identity.UserStore.

PURPOSE:
  Durable single-node persistence. The same schema runs on PostgreSQL (see
  store/postgres) with only dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore:     accounts, purchases, catalog, journal
  identity.UserStore: users and ended sessions

APPEND-ONLY JOURNAL:
  The entries table is never updated or deleted from. Its idempotency_key
  column is UNIQUE, which is what stops a check-in or a yield step from
  being credited twice even when two processes race.

KEY TABLES:
  accounts:         one row per account, commissions as a JSON column
  purchases:        one row per purchase, DaysSettled/TotalYieldPaid updated
  products:         the catalog
  entries:          append-only journal
  users:            credentials
  revoked_sessions: ended session token ids

MONEY:
  Decimals are stored as TEXT and parsed back with decimal.NewFromString,
  never through float columns.

CONCURRENCY:
  The pool is capped at one connection. SQLite allows a single writer, and
  ":memory:" databases exist per connection, so one connection keeps both
  file and in-memory databases consistent. Per-account serialization is the
  ledger.Locker's job, not the store's.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := ledger.NewService(store, policy)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/aporte-ledger/identity"
	"github.com/warp/aporte-ledger/ledger"
)

// Fixed-width UTC timestamps sort lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore and identity.UserStore using SQLite.
type Store struct {
	db *sql.DB
	queries
}

var (
	_ ledger.TxStore     = (*Store)(nil)
	_ identity.UserStore = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		balance TEXT NOT NULL,
		last_accrual_at TEXT NOT NULL,
		last_checkin_date TEXT,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT,
		commissions_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_referred_by
		ON accounts(referred_by) WHERE referred_by IS NOT NULL;

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		daily_yield TEXT NOT NULL,
		validity_days INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		product_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		daily_yield TEXT NOT NULL,
		purchased_at TEXT NOT NULL,
		validity_days INTEGER NOT NULL,
		days_settled INTEGER NOT NULL DEFAULT 0,
		total_yield_paid TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_account
		ON purchases(account_id, purchased_at);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON entries(account_id, seq);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revoked_sessions (
		jti TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithTx runs fn inside one database transaction. fn's error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store on top of a querier, so the same code runs
// inside and outside transactions.
type queries struct {
	q querier
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, email, balance, last_accrual_at, last_checkin_date,
	referral_code, referred_by, commissions_json, created_at, version`

func (s *queries) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a, err
}

func (s *queries) GetAccountByReferralCode(ctx context.Context, code string) (ledger.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) || code == "" {
		return ledger.Account{}, fmt.Errorf("%w: referral code %s", ledger.ErrAccountNotFound, code)
	}
	return a, err
}

func (s *queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	commissions, err := marshalCommissions(a.PendingCommissions)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Email,
		a.Balance.String(),
		a.LastAccrualAt.UTC().Format(timeLayout),
		nullDate(a.LastCheckinDate),
		a.ReferralCode,
		nullString(a.ReferredBy),
		commissions,
		a.CreatedAt.UTC().Format(timeLayout),
		a.Version,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// PutAccount updates the mutable columns. Referral columns are written once
// by CreateAccount and never touched here. The row must still be at
// a.Version-1, so a write computed from a stale read is rejected.
func (s *queries) PutAccount(ctx context.Context, a ledger.Account) error {
	commissions, err := marshalCommissions(a.PendingCommissions)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, last_accrual_at = ?, last_checkin_date = ?, commissions_json = ?, version = ?
		WHERE id = ? AND version = ?`,
		a.Balance.String(),
		a.LastAccrualAt.UTC().Format(timeLayout),
		nullDate(a.LastCheckinDate),
		commissions,
		a.Version,
		a.ID,
		a.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var stored int64
	err = s.q.QueryRowContext(ctx, `SELECT version FROM accounts WHERE id = ?`, a.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read account version: %w", err)
	}
	return fmt.Errorf("%w: %s at version %d, write expects %d", ledger.ErrVersionConflict, a.ID, stored, a.Version-1)
}

func (s *queries) ListAccountIDs(ctx context.Context) ([]ledger.AccountID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAccount(row *sql.Row) (ledger.Account, error) {
	var (
		a               ledger.Account
		balance         string
		lastAccrualAt   string
		lastCheckinDate sql.NullString
		referredBy      sql.NullString
		commissionsJSON string
		createdAt       string
	)
	err := row.Scan(&a.ID, &a.Email, &balance, &lastAccrualAt, &lastCheckinDate,
		&a.ReferralCode, &referredBy, &commissionsJSON, &createdAt, &a.Version)
	if err != nil {
		return a, err
	}

	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return a, fmt.Errorf("account %s balance: %w", a.ID, err)
	}
	if a.LastAccrualAt, err = time.Parse(timeLayout, lastAccrualAt); err != nil {
		return a, fmt.Errorf("account %s last_accrual_at: %w", a.ID, err)
	}
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return a, fmt.Errorf("account %s created_at: %w", a.ID, err)
	}
	if lastCheckinDate.Valid {
		d, err := ledger.ParseDate(lastCheckinDate.String)
		if err != nil {
			return a, fmt.Errorf("account %s last_checkin_date: %w", a.ID, err)
		}
		a.LastCheckinDate = &d
	}
	a.ReferredBy = referredBy.String
	if err := json.Unmarshal([]byte(commissionsJSON), &a.PendingCommissions); err != nil {
		return a, fmt.Errorf("account %s commissions: %w", a.ID, err)
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
	rows, err := s.q.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	if err != nil {
		return ledger.Purchase{}, fmt.Errorf("failed to query purchase: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Purchase{}, err
		}
		return ledger.Purchase{}, fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, id)
	}
	return scanPurchase(rows)
}

func (s *queries) AppendPurchase(ctx context.Context, p ledger.Purchase) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.AccountID,
		p.ProductID,
		p.Principal.String(),
		p.DailyYield.String(),
		p.PurchasedAt.UTC().Format(timeLayout),
		p.ValidityDays,
		p.DaysSettled,
		p.TotalYieldPaid.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to append purchase: %w", err)
	}
	return nil
}

func (s *queries) PutPurchase(ctx context.Context, p ledger.Purchase) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE purchases SET days_settled = ?, total_yield_paid = ? WHERE id = ?`,
		p.DaysSettled, p.TotalYieldPaid.String(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, p.ID))
}

func (s *queries) ListPurchases(ctx context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE account_id = ?
		ORDER BY purchased_at ASC, rowid ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []ledger.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func scanPurchase(rows *sql.Rows) (ledger.Purchase, error) {
	var (
		p                                      ledger.Purchase
		principal, dailyYield, paid, purchased string
	)
	err := rows.Scan(&p.ID, &p.AccountID, &p.ProductID, &principal, &dailyYield,
		&purchased, &p.ValidityDays, &p.DaysSettled, &paid)
	if err != nil {
		return p, fmt.Errorf("failed to scan purchase: %w", err)
	}
	if p.Principal, err = decimal.NewFromString(principal); err != nil {
		return p, err
	}
	if p.DailyYield, err = decimal.NewFromString(dailyYield); err != nil {
		return p, err
	}
	if p.TotalYieldPaid, err = decimal.NewFromString(paid); err != nil {
		return p, err
	}
	if p.PurchasedAt, err = time.Parse(timeLayout, purchased); err != nil {
		return p, err
	}
	return p, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *queries) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, price, daily_yield, validity_days FROM products
		ORDER BY price_cents ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *queries) GetProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, price, daily_yield, validity_days FROM products WHERE id = ?`, id)
	if err != nil {
		return ledger.Product{}, fmt.Errorf("failed to query product: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Product{}, err
		}
		return ledger.Product{}, fmt.Errorf("%w: %s", ledger.ErrUnknownProduct, id)
	}
	return scanProduct(rows)
}

func (s *queries) PutProduct(ctx context.Context, p ledger.Product) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO products (id, name, price, price_cents, daily_yield, validity_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			price_cents = excluded.price_cents,
			daily_yield = excluded.daily_yield,
			validity_days = excluded.validity_days`,
		p.ID, p.Name, p.Price.String(), cents(p.Price), p.DailyYield.String(), p.ValidityDays)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func scanProduct(rows *sql.Rows) (ledger.Product, error) {
	var (
		p                 ledger.Product
		price, dailyYield string
	)
	if err := rows.Scan(&p.ID, &p.Name, &price, &dailyYield, &p.ValidityDays); err != nil {
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return p, err
	}
	if p.DailyYield, err = decimal.NewFromString(dailyYield); err != nil {
		return p, err
	}
	return p, nil
}

// =============================================================================
// JOURNAL
// =============================================================================

func (s *queries) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, entry_type, delta, balance_after, effective_at,
		 reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AccountID,
		e.Type,
		e.Delta.String(),
		e.BalanceAfter.String(),
		e.EffectiveAt.UTC().Format(timeLayout),
		nullString(e.ReferenceID),
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *queries) ListEntries(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, account_id, entry_type, delta, balance_after, effective_at,
		       reference_id, reason, idempotency_key, created_at
		FROM entries WHERE account_id = ? ORDER BY seq ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                             ledger.Entry
			delta, after, effective, made string
			ref, reason, key              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &delta, &after, &effective,
			&ref, &reason, &key, &made); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		if e.EffectiveAt, err = time.Parse(timeLayout, effective); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeLayout, made); err != nil {
			return nil, err
		}
		e.ReferenceID, e.Reason, e.IdempotencyKey = ref.String, reason.String, key.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// USERS (identity.UserStore)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.UTC().Format(timeLayout))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", identity.ErrDuplicateEmail, u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (identity.User, error) {
	var (
		u         identity.User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, fmt.Errorf("%w: %s", identity.ErrUserNotFound, email)
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt, err = time.Parse(timeLayout, createdAt)
	return u, err
}

func (s *Store) DeleteUser(ctx context.Context, id ledger.AccountID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", identity.ErrUserNotFound, id))
}

func (s *Store) RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_sessions (jti, expires_at) VALUES (?, ?)
		ON CONFLICT(jti) DO NOTHING`, jti, expiresAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *Store) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_sessions WHERE jti = ?`, jti).Scan(&count)
	return count > 0, err
}

// PurgeExpiredSessions drops revocations whose tokens have expired anyway.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at < ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *ledger.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func marshalCommissions(cs []ledger.Commission) (string, error) {
	if len(cs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encode commissions: %w", err)
	}
	return string(b), nil
}

func cents(d decimal.Decimal) int64 {
	return d.Shift(ledger.CentPlaces).Round(0).IntPart()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
