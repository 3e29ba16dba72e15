// Package ejerr defines the stable error taxonomy shared by every layer of
// the engine (bson, hdb, bdb, tdb, query, ejdb). Every core-level failure is
// represented as a *Error carrying one of the Code values below plus a
// stable English message; callers that need to branch on failure kind
// should compare against the Code, not the message text.
package ejerr

import "fmt"

// Code identifies the stable, language-neutral error category (spec §7).
type Code int

const (
	InvalidArgument Code = iota + 1
	InvalidMetadata
	NotFound
	AlreadyExists
	IO
	Lock
	Compression
	DecodeBSON
	InvalidQuery
	IndexTypeMismatch
	TransactionConflict
	MaxNesting
	Fatal
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "invalid-argument"
	case InvalidMetadata:
		return "invalid-metadata"
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case IO:
		return "io"
	case Lock:
		return "lock"
	case Compression:
		return "compression"
	case DecodeBSON:
		return "decode-bson"
	case InvalidQuery:
		return "invalid-query"
	case IndexTypeMismatch:
		return "index-type-mismatch"
	case TransactionConflict:
		return "transaction-conflict"
	case MaxNesting:
		return "max-nesting-level-exceeded"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every core package.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, ejerr.ErrNotFound) matches any NotFound error whatever its
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel, code-only errors usable directly with errors.Is.
var (
	ErrNotFound             = &Error{Code: NotFound, Message: "document not found"}
	ErrAlreadyExists        = &Error{Code: AlreadyExists, Message: "duplicate key"}
	ErrFatal                = &Error{Code: Fatal, Message: "handle poisoned by a previous fatal error"}
	ErrTransactionConflict  = &Error{Code: TransactionConflict, Message: "transaction already in progress"}
	ErrMaxNestingExceeded   = &Error{Code: MaxNesting, Message: "maximum BSON nesting depth (1000) exceeded"}
	ErrIndexTypeMismatch    = &Error{Code: IndexTypeMismatch, Message: "index kind does not match stored comparator"}
	ErrInvalidQuery         = &Error{Code: InvalidQuery, Message: "invalid query document"}
)

// ExitCode maps a Code onto the CLI exit codes enumerated in spec.md §6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	e, ok := err.(*Error)
	if !ok {
		return 5
	}
	switch e.Code {
	case InvalidArgument:
		return 1
	case InvalidMetadata:
		return 2
	case NotFound:
		return 3
	case TransactionConflict:
		return 4
	case IO, Lock, Compression:
		return 5
	default:
		return 6
	}
}
