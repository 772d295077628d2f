package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/aporte-ledger/ledger"
)

// MemoryUsers is an in-process UserStore for tests and the memory driver.
type MemoryUsers struct {
	mu      sync.RWMutex
	byEmail map[string]User
	revoked map[string]time.Time
}

var _ UserStore = (*MemoryUsers)(nil)

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byEmail: make(map[string]User),
		revoked: make(map[string]time.Time),
	}
}

func (m *MemoryUsers) CreateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEmail, u.Email)
	}
	u.PasswordHash = append([]byte(nil), u.PasswordHash...)
	m.byEmail[u.Email] = u
	return nil
}

func (m *MemoryUsers) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byEmail[email]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return u, nil
}

func (m *MemoryUsers) DeleteUser(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, u := range m.byEmail {
		if u.ID == id {
			delete(m.byEmail, email)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUserNotFound, id)
}

func (m *MemoryUsers) RevokeSession(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *MemoryUsers) IsSessionRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[jti]
	return ok, nil
}
