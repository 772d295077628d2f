/*
store.go - Persistence contract between the engine and a document store

PURPOSE:
  Defines the read/write surface the Service needs. Documents are the field
  sets of Account, Purchase, Product and Entry, keyed by their ids.

KEY INTERFACES:
  AccountStore:  get / create / put accounts
  PurchaseStore: append / put / list purchases of an account
  Catalog:       read-only product listing (plus admin upsert)
  Journal:       append-only balance movements, unique idempotency keys
  TxStore:       Store + WithTx for atomic multi-document writes

NOT FOUND:
  Lookups return ErrAccountNotFound, ErrPurchaseNotFound or
  ErrUnknownProduct (wrapped or bare). Every other error is an
  infrastructure failure and is propagated to the caller untouched.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import "context"

type AccountStore interface {
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	// GetAccountByReferralCode returns ErrAccountNotFound for unknown codes.
	GetAccountByReferralCode(ctx context.Context, code string) (Account, error)
	// CreateAccount fails with ErrDuplicateAccount if the id or referral code exists.
	CreateAccount(ctx context.Context, a Account) error
	// PutAccount replaces the stored account document. a.Version must be the
	// stored version plus one, otherwise ErrVersionConflict is returned.
	PutAccount(ctx context.Context, a Account) error
	ListAccountIDs(ctx context.Context) ([]AccountID, error)
}

type PurchaseStore interface {
	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)
	AppendPurchase(ctx context.Context, p Purchase) error
	PutPurchase(ctx context.Context, p Purchase) error
	// ListPurchases returns the account's purchases ordered by PurchasedAt.
	ListPurchases(ctx context.Context, accountID AccountID) ([]Purchase, error)
}

type Catalog interface {
	// ListProducts returns the catalog sorted by price ascending.
	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id ProductID) (Product, error)
	PutProduct(ctx context.Context, p Product) error
}

// Journal is APPEND-ONLY. No update, no delete.
type Journal interface {
	AppendEntry(ctx context.Context, e Entry) error
	// ListEntries returns the account's entries in append order.
	ListEntries(ctx context.Context, accountID AccountID) ([]Entry, error)
}

type Store interface {
	AccountStore
	PurchaseStore
	Catalog
	Journal
}

// TxStore runs fn atomically. If fn returns an error nothing fn wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
