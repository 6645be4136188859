package session

import "errors"

var (
	// ErrStorageUnavailable indicates the secret or metadata store could not
	// be read or written.
	ErrStorageUnavailable = errors.New("session storage unavailable")
	// ErrRestoreFailed indicates a persisted session existed but could not be
	// turned into a live one; persisted state has been cleared.
	ErrRestoreFailed = errors.New("session restore failed")
	// ErrRestoreIndeterminate indicates restoration could not reach a verdict
	// (for example the provider was unreachable). Persisted state is kept so
	// a later attempt can retry.
	ErrRestoreIndeterminate = errors.New("session restore indeterminate")
	// ErrInvalidSession is returned when asked to persist a nil session or
	// one without a refresh token.
	ErrInvalidSession = errors.New("invalid session")
)
