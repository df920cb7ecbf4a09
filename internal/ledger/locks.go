// Package ledger provides per-account serialization for balance-touching
// operations. The exchange and wager engines share one AccountLocker so two
// concurrent operations against the same account (a buy racing a wager
// placement, say) can never both pass a balance check against a stale
// balance. Uses keyed mutexes for single-instance deployment; for horizontal
// scaling, replace with distributed locking or database-level optimistic
// concurrency.
package ledger

import "sync"

// AccountLocker serializes operations per account ID. Locks are created
// lazily on first use and kept for the lifetime of the process; the working
// set is bounded by the number of active accounts.
type AccountLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAccountLocker creates an empty locker.
func NewAccountLocker() *AccountLocker {
	return &AccountLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given account, blocking until it is free.
func (l *AccountLocker) Lock(accountID string) {
	l.get(accountID).Lock()
}

// Unlock releases the mutex for the given account.
func (l *AccountLocker) Unlock(accountID string) {
	l.get(accountID).Unlock()
}

func (l *AccountLocker) get(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	return m
}
