package sandbox

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes work per sandbox id. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

// Lock blocks until id is free and returns the matching unlock func.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
