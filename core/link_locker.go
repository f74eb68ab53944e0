package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryLinkLocker is a process-local keyed mutex. The ttl is ignored: a held
// lock is released only by its handle.
type MemoryLinkLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLinkLocker() *MemoryLinkLocker {
	return &MemoryLinkLocker{locks: make(map[string]*keyedLock)}
}

func (l *MemoryLinkLocker) Acquire(ctx context.Context, key string, _ time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: link locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: lock key is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return &memoryLockHandle{locker: l, key: key, entry: entry}, nil
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	}
}

func (l *MemoryLinkLocker) release(key string, entry *keyedLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

type memoryLockHandle struct {
	locker *MemoryLinkLocker
	key    string
	entry  *keyedLock
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		<-h.entry.ch
		h.locker.release(h.key, h.entry)
	})
	return nil
}
