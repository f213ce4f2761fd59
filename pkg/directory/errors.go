package directory

import "errors"

// StoreError represents a domain error from directory store operations.
//
// These are business logic errors (entry not found, duplicate DN, read-only
// store, etc.) as opposed to infrastructure errors (disk failure, lock
// contention). The I/O-adjacent codes ErrLockTimeout and ErrWriteFailed are
// included because callers need to distinguish them from business failures
// when deciding whether to retry.
//
// Protocol frontends translate StoreError codes to wire-level result codes.
type StoreError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable error description.
	Message string

	// DN is the distinguished name related to the error, if applicable.
	DN string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Message
	if e.DN != "" {
		msg = msg + ": " + e.DN
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates an entry with the DN already exists
	// somewhere in the merged tree.
	ErrAlreadyExists

	// ErrInvalidDN indicates the DN is syntactically malformed.
	ErrInvalidDN

	// ErrReadOnly indicates the store was configured read-only.
	ErrReadOnly

	// ErrNotLeaf indicates a delete targeted an entry that still has
	// children. Cascading deletes are never performed.
	ErrNotLeaf

	// ErrNoSuchSource indicates the named target source file is not part
	// of this store's configuration.
	ErrNoSuchSource

	// ErrInvalidArgument indicates invalid parameters: a missing target
	// source in federated mode, a nil entry, an entry with no backing
	// source, and similar.
	ErrInvalidArgument

	// ErrValidation indicates an entry failed structural validation:
	// missing DN, missing or empty objectClass, or a bulk batch with
	// offending members (none of which were written).
	ErrValidation

	// ErrParse indicates a source file is not a structurally valid
	// document.
	ErrParse

	// ErrMergeConflict indicates the same DN appeared in more than one
	// federated source under the strict merge strategy.
	ErrMergeConflict

	// ErrLockTimeout indicates the per-file write lock could not be
	// acquired within the configured timeout. The file is unchanged.
	ErrLockTimeout

	// ErrWriteFailed indicates the atomic replace failed before the final
	// swap. The file retains its prior content in full.
	ErrWriteFailed

	// ErrIO indicates any other I/O error.
	ErrIO
)

// CodeOf extracts the ErrorCode from an error chain. ok is false when no
// StoreError is present.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// IsCode reports whether the error chain contains a StoreError with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
