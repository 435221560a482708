package engine

import (
	"context"
	"slices"
	"sync"
)

// KeyedLocks is a set of mutexes created on demand and dropped when unused.
// Waiting for a lock honors context cancellation. Callers that need several
// keys take them with LockAll, which always locks in sorted order.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocks creates an empty lock set.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedLocks) Lock(ctx context.Context, key string) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.drop(key, l)
		k.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held panics.
func (k *KeyedLocks) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		panic("engine: unlock of unlocked key " + key)
	}
	select {
	case <-l.ch:
	default:
		panic("engine: unlock of unlocked key " + key)
	}
	k.drop(key, l)
}

// LockAll takes every key, deduplicated, in sorted order. On failure the keys
// already taken are released. unlock releases all of them.
func (k *KeyedLocks) LockAll(ctx context.Context, keys ...string) (unlock func(), err error) {
	sorted := sortedKeys(keys)
	for i, key := range sorted {
		if err := k.Lock(ctx, key); err != nil {
			k.unlockAll(sorted[:i])
			return nil, err
		}
	}
	return func() { k.unlockAll(sorted) }, nil
}

func (k *KeyedLocks) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		k.Unlock(keys[i])
	}
}

// drop must be called with k.mu held.
func (k *KeyedLocks) drop(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// size is the number of keys currently tracked.
func (k *KeyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func sortedKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
