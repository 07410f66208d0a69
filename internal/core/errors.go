package core

import (
	"errors"
	"fmt"
	"time"
)

// Error codes classifying every ingestion failure. The code decides retry
// behaviour; see IsRetryable.
const (
	CodeTransient   = "E_TRANSIENT"    // network/5xx, retried with backoff
	CodeRateLimited = "E_RATE_LIMITED" // retried honoring the source's hint
	CodeAuthExpired = "E_AUTH_EXPIRED" // credential refreshed once, else permanent
	CodePermanent   = "E_PERMANENT"    // non-auth 4xx, schema mismatch; never retried
	CodeSchemaDrift = "E_SCHEMA_DRIFT" // permanent at record granularity
	CodeConflict    = "E_CONFLICT"     // store write conflict, retried by the caller
)

// Error wraps ingestion failures with a classification code and
// retryability hints.
type Error struct {
	Code      string
	Retryable bool
	// RetryAfter carries the source's backoff hint for rate-limit errors.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a retryable network-level failure.
func Transient(err error) *Error {
	return &Error{Code: CodeTransient, Retryable: true, Err: err}
}

// RateLimited wraps a rate-limit rejection with the source's backoff hint.
func RateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{Code: CodeRateLimited, Retryable: true, RetryAfter: retryAfter, Err: err}
}

// AuthExpired wraps a credential expiry. The adapter refreshes once; a
// second expiry in the same call is reported as Permanent.
func AuthExpired(err error) *Error {
	return &Error{Code: CodeAuthExpired, Retryable: false, Err: err}
}

// Permanent wraps a failure that must never be retried.
func Permanent(err error) *Error {
	return &Error{Code: CodePermanent, Retryable: false, Err: err}
}

// SchemaDrift wraps a per-record validation failure. Permanent at record
// granularity: one bad record never fails an otherwise-good page.
func SchemaDrift(err error) *Error {
	return &Error{Code: CodeSchemaDrift, Retryable: false, Err: err}
}

// Conflict wraps a store write conflict. The committing caller retries
// transparently.
func Conflict(err error) *Error {
	return &Error{Code: CodeConflict, Retryable: true, Err: err}
}

// CodeOf extracts the classification code, or CodeTransient for
// unclassified errors (unknown failures are assumed recoverable).
func CodeOf(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeTransient
}

// IsRetryable reports whether the puller's retry loop may re-attempt.
func IsRetryable(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	// Unclassified errors are treated as transient.
	return true
}

// RetryAfterHint returns the backoff hint carried by a rate-limit error,
// or zero when none applies.
func RetryAfterHint(err error) time.Duration {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.RetryAfter
	}
	return 0
}

// IsPermanent reports whether the failure must be isolated rather than
// retried (permanent, drift, or exhausted auth).
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodePermanent, CodeSchemaDrift, CodeAuthExpired:
		return true
	}
	return false
}
