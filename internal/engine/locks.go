package engine

import (
	"sync"

	"github.com/hamed0406/webguard/internal/domain"
)

// keyedMutex hands out one mutex per target. Entries are dropped when the
// last holder or waiter releases them.
type keyedMutex struct {
	mu sync.Mutex
	m  map[domain.TargetID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{m: make(map[domain.TargetID]*lockEntry)}
}

func (k *keyedMutex) Lock(id domain.TargetID) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[id]
	if !ok {
		e = &lockEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
