// Package userstore holds the current user and notifies subscribers when it
// changes.
package userstore

import (
	"slices"
	"sync"

	"github.com/jmcleod/authkeeper/session"
)

// Store is a reactive holder for the signed-in user. The zero value is
// ready to use.
type Store struct {
	mu     sync.RWMutex
	user   *session.User
	nextID int
	subs   map[int]func(*session.User)
}

// SetUser replaces the current user. Subscribers are called, outside the
// lock, only when the value actually changes.
func (s *Store) SetUser(u *session.User) {
	if u != nil {
		c := *u
		u = &c
	}

	s.mu.Lock()
	if equal(s.user, u) {
		s.mu.Unlock()
		return
	}
	s.user = u
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(*session.User), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(clone(u))
	}
}

// User returns a copy of the current user, or nil when signed out.
func (s *Store) User() *session.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.user)
}

// Subscribe registers fn for changes and returns a function that removes it.
func (s *Store) Subscribe(fn func(*session.User)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(*session.User))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func clone(u *session.User) *session.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func equal(a, b *session.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
