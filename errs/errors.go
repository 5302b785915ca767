// Package errs implements the error taxonomy of the record/index layer.
//
// Every public API either succeeds or returns an *errs.Error carrying one
// of the Kind values below, so callers can branch on errors.As/errors.Is
// instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"
)

// Kind classifies an Error. See spec §7 for the full taxonomy.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	InvalidKey
	IndexNotFound
	IndexNotReadable
	InvalidIndexState
	InvalidStateTransition
	InvalidPermutation
	VersionMismatch
	VersionNotFound
	HnswGraphNotBuilt
	Internal
	TransactionTooLarge
	TransactionTimedOut
	RetryableTransient
	ScrubberRetryExhausted
	ScrubberSkipFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidKey:
		return "InvalidKey"
	case IndexNotFound:
		return "IndexNotFound"
	case IndexNotReadable:
		return "IndexNotReadable"
	case InvalidIndexState:
		return "InvalidIndexState"
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case InvalidPermutation:
		return "InvalidPermutation"
	case VersionMismatch:
		return "VersionMismatch"
	case VersionNotFound:
		return "VersionNotFound"
	case HnswGraphNotBuilt:
		return "HnswGraphNotBuilt"
	case Internal:
		return "Internal"
	case TransactionTooLarge:
		return "TransactionTooLarge"
	case TransactionTimedOut:
		return "TransactionTimedOut"
	case RetryableTransient:
		return "RetryableTransient"
	case ScrubberRetryExhausted:
		return "ScrubberRetryExhausted"
	case ScrubberSkipFailed:
		return "ScrubberSkipFailed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the module boundary.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
	// Frame is the caller's stack frame at construction time, captured for
	// every error this package constructs, whatever its Kind.
	Frame stack.Call
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, errs.Sentinel(errs.InvalidArgument)) style
// matching against a bare Kind wrapped as an error via Sentinel.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    k,
		Message: fmt.Sprintf(format, args...),
		Frame:   stack.Caller(2),
	}
}

func New(k Kind, format string, args ...interface{}) *Error {
	return newErr(k, format, args...)
}

func Wrap(k Kind, err error, format string, args ...interface{}) *Error {
	e := newErr(k, format, args...)
	e.Wrapped = err
	return e
}

func NewInvalidArgument(format string, args ...interface{}) *Error {
	return newErr(InvalidArgument, format, args...)
}

func NewInternal(format string, args ...interface{}) *Error {
	return newErr(Internal, format, args...)
}

func NewInvalidKey(format string, args ...interface{}) *Error {
	return newErr(InvalidKey, format, args...)
}

func NewIndexNotFound(name string) *Error {
	return newErr(IndexNotFound, "index %q not found", name)
}

func NewIndexNotReadable(name string) *Error {
	return newErr(IndexNotReadable, "index %q is not readable", name)
}

func NewInvalidIndexState(name, state string) *Error {
	return newErr(InvalidIndexState, "index %q has invalid state %s", name, state)
}

func NewInvalidStateTransition(name, from, to string) *Error {
	return newErr(InvalidStateTransition, "index %q cannot transition %s -> %s", name, from, to)
}

func NewInvalidPermutation(n int) *Error {
	return newErr(InvalidPermutation, "permutation of size %d is not a bijection on [0,%d)", n, n)
}

// VersionMismatchErr carries the expected/actual versions for programmatic
// inspection beyond the formatted message.
type VersionMismatchErr struct {
	*Error
	Expected, Actual []byte
}

func NewVersionMismatch(expected, actual []byte) *VersionMismatchErr {
	return &VersionMismatchErr{
		Error:    newErr(VersionMismatch, "expected version %x, found %x", expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

func NewVersionNotFound(expected []byte) *Error {
	return newErr(VersionNotFound, "version %x not found", expected)
}

func NewHnswGraphNotBuilt(indexName, message string) *Error {
	return newErr(HnswGraphNotBuilt, "hnsw index %q: %s", indexName, message)
}

func NewTransactionTooLarge(format string, args ...interface{}) *Error {
	return newErr(TransactionTooLarge, format, args...)
}

func NewTransactionTimedOut(format string, args ...interface{}) *Error {
	return newErr(TransactionTimedOut, format, args...)
}

func NewRetryableTransient(err error) *Error {
	return Wrap(RetryableTransient, err, "transient KVS error")
}

// ScrubberRetryExhaustedErr carries the structured fields named in spec §7.
type ScrubberRetryExhaustedErr struct {
	*Error
	Phase      string
	Operation  string
	KeyRange   [2][]byte
	Attempts   int
	LastError  error
	Suggestion string
}

func NewScrubberRetryExhausted(phase, operation string, keyRange [2][]byte, attempts int, lastErr error, suggestion string) *ScrubberRetryExhaustedErr {
	return &ScrubberRetryExhaustedErr{
		Error:      Wrap(ScrubberRetryExhausted, lastErr, "phase %s operation %s exhausted %d retries", phase, operation, attempts),
		Phase:      phase,
		Operation:  operation,
		KeyRange:   keyRange,
		Attempts:   attempts,
		LastError:  lastErr,
		Suggestion: suggestion,
	}
}

type ScrubberSkipFailedErr struct {
	*Error
	Key      []byte
	Reason   string
	Attempts int
}

func NewScrubberSkipFailed(key []byte, reason string, attempts int) *ScrubberSkipFailedErr {
	return &ScrubberSkipFailedErr{
		Error:    newErr(ScrubberSkipFailed, "failed to skip key %x after %d attempts: %s", key, attempts, reason),
		Key:      key,
		Reason:   reason,
		Attempts: attempts,
	}
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Sentinel returns a lightweight error usable with errors.Is to test an
// *Error's Kind, e.g. errors.Is(err, errs.Sentinel(errs.InvalidArgument)).
func Sentinel(k Kind) error { return &kindSentinel{kind: k} }

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is a KVS-surfaced transient condition that
// OnlineIndexer/Scrubber batch loops should retry with backoff.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == RetryableTransient || k == TransactionTimedOut
}
