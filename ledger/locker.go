package ledger

import (
	"context"
	"sync"
)

// Locker provides per-key mutual exclusion. Every mutating Service operation
// holds the lock of the account it writes for its whole read-modify-write.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// AccountLockKey namespaces account ids in a shared Locker.
func AccountLockKey(id AccountID) string { return "account:" + string(id) }

// =============================================================================
// KEYED MUTEX - in-process Locker
// =============================================================================

// KeyedMutex serializes holders of the same key and lets different keys run
// in parallel. Entries are reference counted and dropped when unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
