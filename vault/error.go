package vault

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific VaultError.
const (
	// ErrDatabase indicates an error with the underlying record store.
	ErrDatabase ErrorCode = iota

	// ErrCrypto indicates a generic failure of a cryptographic operation
	// such as random salt generation.
	ErrCrypto

	// ErrEmptyPassphrase indicates a caller attempted to set up the vault
	// with an empty passphrase.  Length policy beyond non-emptiness is
	// enforced by the caller, not the vault.
	ErrEmptyPassphrase

	// ErrNoStoredCredential indicates an unlock was attempted before any
	// password record was stored.
	ErrNoStoredCredential

	// ErrWrongPassphrase indicates the supplied passphrase does not match
	// the stored verification hash.
	ErrWrongPassphrase

	// ErrLocked indicates an operation that requires the active
	// encryption credential was attempted while the vault is locked.
	ErrLocked
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errCodeStrings = map[ErrorCode]string{
	ErrDatabase:           "ErrDatabase",
	ErrCrypto:             "ErrCrypto",
	ErrEmptyPassphrase:    "ErrEmptyPassphrase",
	ErrNoStoredCredential: "ErrNoStoredCredential",
	ErrWrongPassphrase:    "ErrWrongPassphrase",
	ErrLocked:             "ErrLocked",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// VaultError provides a single type for errors that can occur in the vault.
// The caller can use type assertions to access the ErrorCode field to
// determine the specific reason for the failure.
type VaultError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human-readable description of the issue
	Err         error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e VaultError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e VaultError) Unwrap() error {
	return e.Err
}

// vaultError creates a VaultError given a set of arguments.
func vaultError(c ErrorCode, desc string, err error) VaultError {
	return VaultError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a VaultError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(VaultError)
	return ok && e.ErrorCode == code
}
