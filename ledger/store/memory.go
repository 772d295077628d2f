// Package store provides in-process ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/aporte-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore. All documents are copied on the way in
// and on the way out, so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex
	memoryState
}

type memoryState struct {
	accounts    map[ledger.AccountID]ledger.Account
	byCode      map[string]ledger.AccountID
	purchases   map[ledger.PurchaseID]ledger.Purchase
	byAccount   map[ledger.AccountID][]ledger.PurchaseID
	products    map[ledger.ProductID]ledger.Product
	entries     map[ledger.AccountID][]ledger.Entry
	idempotency map[string]bool
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{memoryState: memoryState{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		byCode:      make(map[string]ledger.AccountID),
		purchases:   make(map[ledger.PurchaseID]ledger.Purchase),
		byAccount:   make(map[ledger.AccountID][]ledger.PurchaseID),
		products:    make(map[ledger.ProductID]ledger.Product),
		entries:     make(map[ledger.AccountID][]ledger.Entry),
		idempotency: make(map[string]bool),
	}}
}

// =============================================================================
// LOCKED PUBLIC API
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccount(id)
}

func (m *Memory) GetAccountByReferralCode(_ context.Context, code string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountByCode(code)
}

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccount(a)
}

func (m *Memory) PutAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAccount(a)
}

func (m *Memory) ListAccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAccountIDs(), nil
}

func (m *Memory) GetPurchase(_ context.Context, id ledger.PurchaseID) (ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPurchase(id)
}

func (m *Memory) AppendPurchase(_ context.Context, p ledger.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendPurchase(p)
}

func (m *Memory) PutPurchase(_ context.Context, p ledger.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putPurchase(p)
}

func (m *Memory) ListPurchases(_ context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPurchases(accountID), nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProducts(), nil
}

func (m *Memory) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProduct(id)
}

func (m *Memory) PutProduct(_ context.Context, p ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntry(e)
}

func (m *Memory) ListEntries(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Entry{}, m.entries[accountID]...), nil
}

// =============================================================================
// STATE OPERATIONS (caller holds mu)
// =============================================================================

func (s *memoryState) getAccount(id ledger.AccountID) (ledger.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a.Clone(), nil
}

func (s *memoryState) getAccountByCode(code string) (ledger.Account, error) {
	id, ok := s.byCode[code]
	if !ok || code == "" {
		return ledger.Account{}, fmt.Errorf("%w: referral code %s", ledger.ErrAccountNotFound, code)
	}
	return s.getAccount(id)
}

func (s *memoryState) createAccount(a ledger.Account) error {
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, a.ID)
	}
	if _, ok := s.byCode[a.ReferralCode]; ok {
		return fmt.Errorf("%w: referral code %s", ledger.ErrDuplicateAccount, a.ReferralCode)
	}
	s.accounts[a.ID] = a.Clone()
	s.byCode[a.ReferralCode] = a.ID
	return nil
}

func (s *memoryState) putAccount(a ledger.Account) error {
	prev, ok := s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, a.ID)
	}
	if a.Version != prev.Version+1 {
		return fmt.Errorf("%w: %s at version %d, write expects %d",
			ledger.ErrVersionConflict, a.ID, prev.Version, a.Version-1)
	}
	if prev.ReferralCode != a.ReferralCode {
		delete(s.byCode, prev.ReferralCode)
		s.byCode[a.ReferralCode] = a.ID
	}
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *memoryState) listAccountIDs() []ledger.AccountID {
	ids := make([]ledger.AccountID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memoryState) getPurchase(id ledger.PurchaseID) (ledger.Purchase, error) {
	p, ok := s.purchases[id]
	if !ok {
		return ledger.Purchase{}, fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, id)
	}
	return p, nil
}

func (s *memoryState) appendPurchase(p ledger.Purchase) error {
	if _, ok := s.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s already exists", p.ID)
	}
	s.purchases[p.ID] = p
	s.byAccount[p.AccountID] = append(s.byAccount[p.AccountID], p.ID)
	return nil
}

func (s *memoryState) putPurchase(p ledger.Purchase) error {
	if _, ok := s.purchases[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ledger.ErrPurchaseNotFound, p.ID)
	}
	s.purchases[p.ID] = p
	return nil
}

func (s *memoryState) listPurchases(accountID ledger.AccountID) []ledger.Purchase {
	ids := s.byAccount[accountID]
	out := make([]ledger.Purchase, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.purchases[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out
}

func (s *memoryState) listProducts() []ledger.Product {
	out := make([]ledger.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryState) getProduct(id ledger.ProductID) (ledger.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return ledger.Product{}, fmt.Errorf("%w: %s", ledger.ErrUnknownProduct, id)
	}
	return p, nil
}

func (s *memoryState) appendEntry(e ledger.Entry) error {
	if e.IdempotencyKey != "" {
		if s.idempotency[e.IdempotencyKey] {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		s.idempotency[e.IdempotencyKey] = true
	}
	s.entries[e.AccountID] = append(s.entries[e.AccountID], e)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn holding the store lock. Each write made through the
// transaction records its inverse; on error the inverses run newest first, so
// a rollback costs only the documents fn touched.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &txView{state: &m.memoryState}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// txView is the Store handed to WithTx callbacks. The lock is already held.
type txView struct {
	state *memoryState
	undo  []func()
}

func (v *txView) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

func (v *txView) record(f func()) { v.undo = append(v.undo, f) }

func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return v.state.getAccount(id)
}

func (v *txView) GetAccountByReferralCode(_ context.Context, code string) (ledger.Account, error) {
	return v.state.getAccountByCode(code)
}

func (v *txView) CreateAccount(_ context.Context, a ledger.Account) error {
	if err := v.state.createAccount(a); err != nil {
		return err
	}
	v.record(func() {
		delete(v.state.accounts, a.ID)
		delete(v.state.byCode, a.ReferralCode)
	})
	return nil
}

func (v *txView) PutAccount(_ context.Context, a ledger.Account) error {
	prev, ok := v.state.accounts[a.ID]
	if err := v.state.putAccount(a); err != nil {
		return err
	}
	if ok {
		v.record(func() {
			if prev.ReferralCode != a.ReferralCode {
				delete(v.state.byCode, a.ReferralCode)
				v.state.byCode[prev.ReferralCode] = a.ID
			}
			v.state.accounts[a.ID] = prev
		})
	}
	return nil
}

func (v *txView) ListAccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	return v.state.listAccountIDs(), nil
}

func (v *txView) GetPurchase(_ context.Context, id ledger.PurchaseID) (ledger.Purchase, error) {
	return v.state.getPurchase(id)
}

func (v *txView) AppendPurchase(_ context.Context, p ledger.Purchase) error {
	n := len(v.state.byAccount[p.AccountID])
	if err := v.state.appendPurchase(p); err != nil {
		return err
	}
	v.record(func() {
		delete(v.state.purchases, p.ID)
		if n == 0 {
			delete(v.state.byAccount, p.AccountID)
		} else {
			v.state.byAccount[p.AccountID] = v.state.byAccount[p.AccountID][:n]
		}
	})
	return nil
}

func (v *txView) PutPurchase(_ context.Context, p ledger.Purchase) error {
	prev, ok := v.state.purchases[p.ID]
	if err := v.state.putPurchase(p); err != nil {
		return err
	}
	if ok {
		v.record(func() { v.state.purchases[p.ID] = prev })
	}
	return nil
}

func (v *txView) ListPurchases(_ context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	return v.state.listPurchases(accountID), nil
}

func (v *txView) ListProducts(_ context.Context) ([]ledger.Product, error) {
	return v.state.listProducts(), nil
}

func (v *txView) GetProduct(_ context.Context, id ledger.ProductID) (ledger.Product, error) {
	return v.state.getProduct(id)
}

func (v *txView) PutProduct(_ context.Context, p ledger.Product) error {
	prev, ok := v.state.products[p.ID]
	v.state.products[p.ID] = p
	v.record(func() {
		if ok {
			v.state.products[p.ID] = prev
		} else {
			delete(v.state.products, p.ID)
		}
	})
	return nil
}

func (v *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	n := len(v.state.entries[e.AccountID])
	if err := v.state.appendEntry(e); err != nil {
		return err
	}
	v.record(func() {
		if e.IdempotencyKey != "" {
			delete(v.state.idempotency, e.IdempotencyKey)
		}
		if n == 0 {
			delete(v.state.entries, e.AccountID)
		} else {
			v.state.entries[e.AccountID] = v.state.entries[e.AccountID][:n]
		}
	})
	return nil
}

func (v *txView) ListEntries(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return append([]ledger.Entry{}, v.state.entries[accountID]...), nil
}
