package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// walletLocks hands out one mutex per wallet id and forgets it once nobody
// holds or waits for it.
type walletLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*walletLock
}

type walletLock struct {
	mu   sync.Mutex
	refs int
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[uuid.UUID]*walletLock)}
}

// lock blocks until the wallet's section is free and returns its release func.
func (l *walletLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	wl, ok := l.locks[id]
	if !ok {
		wl = &walletLock{}
		l.locks[id] = wl
	}
	wl.refs++
	l.mu.Unlock()

	wl.mu.Lock()
	return func() {
		wl.mu.Unlock()
		l.mu.Lock()
		wl.refs--
		if wl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *walletLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
