// Package memberlock provides mutual exclusion scoped to one member of one
// community.
package memberlock

import (
	"context"
	"sync"
)

// Key identifies a member within a community.
type Key struct {
	Community string
	Member    string
}

// entry is a lock for one key. The lock is a channel with a buffer of one:
// holding the lock means having sent to it.
type entry struct {
	ch chan struct{}
	// refs is the number of goroutines holding or waiting for the lock.
	// Guarded by the owning Locks' mutex.
	refs int
}

// Locks is a set of per-member locks. Locks for different keys never
// contend with each other. Entries exist only while some goroutine holds or
// waits for them, so the set does not grow with the number of members seen.
// The zero value is ready to use.
type Locks struct {
	mu sync.Mutex
	m  map[Key]*entry
}

// Lock acquires the lock for k. If ctx is canceled first, the result is the
// context's error and the lock is not held. Otherwise the caller must call
// the returned function exactly once to release the lock.
func (l *Locks) Lock(ctx context.Context, k Key) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := l.acquire(k)
	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.release(k, e)
		}, nil
	case <-ctx.Done():
		l.release(k, e)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Locks) acquire(k Key) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[Key]*entry)
	}
	e := l.m[k]
	if e == nil {
		e = &entry{ch: make(chan struct{}, 1)}
		l.m[k] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(k Key, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, k)
	}
}
