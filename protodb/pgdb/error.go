package pgdb

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies the failures of the postgres store. Use errors.Is to
// check an error returned by DB against a kind.
type ErrorKind string

const (
	ErrConnFailed      = ErrorKind("ErrConnFailed")
	ErrBeginTx         = ErrorKind("ErrBeginTx")
	ErrCommitTx        = ErrorKind("ErrCommitTx")
	ErrQueryFailed     = ErrorKind("ErrQueryFailed")
	ErrMissingRole     = ErrorKind("ErrMissingRole")
	ErrMissingDatabase = ErrorKind("ErrMissingDatabase")

	// ErrOldDatabase is returned when the schema version is newer than
	// the one this package knows how to use.
	ErrOldDatabase = ErrorKind("ErrOldDatabase")

	// ErrCorruptRow is returned when a stored instance or message does
	// not decode.
	ErrCorruptRow = ErrorKind("ErrCorruptRow")
)

func (e ErrorKind) Error() string {
	return string(e)
}

// Error is the error returned by failed DB operations. Err is the driver
// error that caused it, if any.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

func (e *Error) Error() string {
	return e.Description
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PgCode returns the postgres error code of the driver error or an empty
// string.
func (e *Error) PgCode() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func contextError(kind ErrorKind, desc string, err error) *Error {
	return &Error{Kind: kind, Description: desc, Err: err}
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// isRetryable returns true for errors after which the transaction may be run
// again.
func isRetryable(err error) bool {
	return hasPgCode(err, pgerrcode.SerializationFailure) ||
		hasPgCode(err, pgerrcode.DeadlockDetected)
}

func isUniqueViolation(err error) bool {
	return hasPgCode(err, pgerrcode.UniqueViolation)
}
