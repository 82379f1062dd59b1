// Package keylock sérialise les opérations par clé (id de VM, id de session)
// sans verrou global.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker ne conserve une entrée que tant qu'un appelant la détient ou l'attend.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock bloque jusqu'à obtenir la clé et retourne la fonction de libération.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}

// Len retourne le nombre de clés actuellement suivies.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
