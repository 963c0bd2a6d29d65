package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/approvals/model"
)

// Locker serializes mutations of one application. Lock blocks until the
// lock is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, id int64) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker with one mutex per application id.
// Entries are reference counted and dropped once nobody holds or waits for
// them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[int64]*keyedEntry)}
}

// Lock acquires the lock for id.
func (l *KeyedLocker) Lock(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e)
		return nil, model.NewLockTimeoutError(id)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(id, e)
		})
	}, nil
}

func (l *KeyedLocker) release(id int64, e *keyedEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

// Len returns the number of live entries. For testing.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
