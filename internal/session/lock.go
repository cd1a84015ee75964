package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("project is locked by another session")

// Lease is a held lock.
type Lease interface {
	// Refresh extends the lease. It fails once the lease was lost.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive, non-blocking leases per project key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// MemoryLocker serializes controllers inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease)}
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
}

// TryLock ignores ttl: a memory lease lives until Release.
func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	lease := &memoryLease{locker: l, key: key}
	l.held[key] = lease
	return lease, nil
}

func (m *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.held[m.key] != m {
		return ErrLocked
	}
	return nil
}

func (m *memoryLease) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.held[m.key] == m {
		delete(m.locker.held, m.key)
	}
	return nil
}
