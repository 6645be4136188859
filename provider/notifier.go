package provider

import (
	"slices"
	"sync"

	"github.com/jmcleod/authkeeper/session"
)

// ChangeType is the kind of provider-originated change.
type ChangeType string

const (
	SignedIn       ChangeType = "SIGNED_IN"
	SignedOut      ChangeType = "SIGNED_OUT"
	TokenRefreshed ChangeType = "TOKEN_REFRESHED"
	UserUpdated    ChangeType = "USER_UPDATED"
)

// ChangeEvent is delivered to OnAuthStateChange listeners. Session is nil
// for SignedOut.
type ChangeEvent struct {
	Type    ChangeType
	Session *session.Session
}

// Notifier fans change events out to listeners. The zero value is ready to
// use.
type Notifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(ChangeEvent)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (n *Notifier) Subscribe(fn func(ChangeEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func(ChangeEvent))
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Emit calls every listener synchronously, in registration order, without
// holding the lock.
func (n *Notifier) Emit(ev ChangeEvent) {
	n.mu.Lock()
	ids := make([]int, 0, len(n.listeners))
	for id := range n.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(ChangeEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, n.listeners[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of listeners.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}
