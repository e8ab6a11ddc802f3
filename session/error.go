package session

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific SessionError.
const (
	// ErrDatabase indicates an error with the underlying record store.
	ErrDatabase ErrorCode = iota

	// ErrNoCredential indicates an operation requiring the active
	// encryption credential was attempted while the vault is locked.
	ErrNoCredential

	// ErrNoStoredSession indicates a load was attempted with no session
	// id persisted locally.
	ErrNoStoredSession

	// ErrNoSession indicates an operation requiring an active session
	// was attempted before one was created or loaded.
	ErrNoSession

	// ErrMnemonic indicates the recovery phrase provider failed or
	// produced an unusable phrase.
	ErrMnemonic

	// ErrBackend indicates the proving backend rejected a wallet
	// operation, including decryption failures from a credential that
	// does not match the stored wallet material.
	ErrBackend
)

var errCodeStrings = map[ErrorCode]string{
	ErrDatabase:        "ErrDatabase",
	ErrNoCredential:    "ErrNoCredential",
	ErrNoStoredSession: "ErrNoStoredSession",
	ErrNoSession:       "ErrNoSession",
	ErrMnemonic:        "ErrMnemonic",
	ErrBackend:         "ErrBackend",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// SessionError provides a single type for errors that can occur while
// managing wallet sessions.
type SessionError struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e SessionError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e SessionError) Unwrap() error {
	return e.Err
}

func sessionError(c ErrorCode, desc string, err error) SessionError {
	return SessionError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a SessionError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(SessionError)
	return ok && e.ErrorCode == code
}
