// Package authstate owns the canonical authentication state of the process
// and broadcasts every change to its consumers exactly once.
package authstate

import (
	"github.com/jmcleod/authkeeper/session"
)

// Status is the tag of a State.
type Status int

const (
	StatusRestoring Status = iota
	StatusUnauthenticated
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusRestoring:
		return "restoring"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// State is an immutable snapshot. Session is set only when Status is
// StatusAuthenticated.
type State struct {
	Status  Status
	Session *session.Session
}

func Restoring() State       { return State{Status: StatusRestoring} }
func Unauthenticated() State { return State{Status: StatusUnauthenticated} }

func Authenticated(s *session.Session) State {
	return State{Status: StatusAuthenticated, Session: s}
}

func (s State) IsAuthenticated() bool { return s.Status == StatusAuthenticated }

// User returns the signed-in user, or nil.
func (s State) User() *session.User {
	if !s.IsAuthenticated() {
		return nil
	}
	return s.Session.UserSnapshot()
}

// canTransition reports whether from -> to is an edge of the state machine.
// Restoring is only ever left, never entered.
func canTransition(from, to Status) bool {
	switch from {
	case StatusRestoring:
		return to == StatusAuthenticated || to == StatusUnauthenticated
	case StatusAuthenticated:
		return to == StatusAuthenticated || to == StatusUnauthenticated
	case StatusUnauthenticated:
		return to == StatusAuthenticated
	}
	return false
}
