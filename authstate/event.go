package authstate

import (
	"fmt"

	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/session"
)

// EventType is the kind of state change requested through Dispatch.
type EventType int

const (
	SignedIn EventType = iota + 1
	SignedOut
	TokenRefreshed
	UserUpdated
)

func (t EventType) String() string {
	switch t {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	case TokenRefreshed:
		return "token_refreshed"
	case UserUpdated:
		return "user_updated"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a requested transition. Session is required for every type but
// SignedOut.
type Event struct {
	Type    EventType
	Session *session.Session

	// predecessor is the session a scheduled refresh replaced; the result is
	// dropped unless it is still canonical.
	predecessor *session.Session
}

func SignedInEvent(s *session.Session) Event       { return Event{Type: SignedIn, Session: s} }
func SignedOutEvent() Event                        { return Event{Type: SignedOut} }
func TokenRefreshedEvent(s *session.Session) Event { return Event{Type: TokenRefreshed, Session: s} }
func UserUpdatedEvent(s *session.Session) Event    { return Event{Type: UserUpdated, Session: s} }

// fromChange maps a provider notification to an Event.
func fromChange(ev provider.ChangeEvent) (Event, bool) {
	switch ev.Type {
	case provider.SignedIn:
		return SignedInEvent(ev.Session), true
	case provider.SignedOut:
		return SignedOutEvent(), true
	case provider.TokenRefreshed:
		return TokenRefreshedEvent(ev.Session), true
	case provider.UserUpdated:
		return UserUpdatedEvent(ev.Session), true
	}
	return Event{}, false
}
