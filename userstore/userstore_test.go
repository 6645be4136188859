package userstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authkeeper/session"
)

func TestStore_SetUserNotifiesOnChange(t *testing.T) {
	var s Store
	var seen []*session.User
	unsub := s.Subscribe(func(u *session.User) { seen = append(seen, u) })

	u := &session.User{ID: "u1", Email: "a@example.com"}
	s.SetUser(u)
	s.SetUser(&session.User{ID: "u1", Email: "a@example.com"})
	require.Len(t, seen, 1, "identical value does not re-notify")

	s.SetUser(&session.User{ID: "u1", Email: "a@example.com", DisplayName: "A"})
	s.SetUser(nil)
	s.SetUser(nil)
	require.Len(t, seen, 3)
	assert.Equal(t, "A", seen[1].DisplayName)
	assert.Nil(t, seen[2])

	unsub()
	s.SetUser(u)
	assert.Len(t, seen, 3)
}

func TestStore_UserIsCopy(t *testing.T) {
	var s Store
	assert.Nil(t, s.User())

	u := &session.User{ID: "u1"}
	s.SetUser(u)
	u.ID = "mutated"
	got := s.User()
	assert.Equal(t, "u1", got.ID)
	got.ID = "again"
	assert.Equal(t, "u1", s.User().ID)
}
