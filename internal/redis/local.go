package redisclient

import (
	"context"
	"sync"
)

// localSlotLocker serializes slot critical sections inside one process.
// It is used when no Redis address is configured.
type localSlotLocker struct {
	mu    sync.Mutex
	slots map[string]*slotMutex
}

type slotMutex struct {
	ch   chan struct{}
	refs int
}

func NewLocalSlotLocker() Locker {
	return &localSlotLocker{slots: make(map[string]*slotMutex)}
}

func (l *localSlotLocker) WithSlotLock(ctx context.Context, slot string, fn func(ctx context.Context) error) error {
	m := l.ref(slot)
	defer l.unref(slot)

	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.ch }()

	return fn(ctx)
}

func (l *localSlotLocker) ref(slot string) *slotMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.slots[slot]
	if !ok {
		m = &slotMutex{ch: make(chan struct{}, 1)}
		l.slots[slot] = m
	}
	m.refs++
	return m
}

func (l *localSlotLocker) unref(slot string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.slots[slot]
	m.refs--
	if m.refs == 0 {
		delete(l.slots, slot)
	}
}
